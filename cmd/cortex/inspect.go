package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cortex/internal/safety"
)

var includeRemote bool
var auditLimit int
var auditUser string
var auditSince time.Duration

// toolsCmd lists registered tool capabilities.
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List registered tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		pl, err := buildPipeline()
		if err != nil {
			return err
		}
		defer pl.Close()

		for _, cap := range pl.Registry().AvailableTools() {
			fmt.Printf("%-12s p%-2d %s\n", cap.Name, cap.Priority, cap.Description)
			if len(cap.Aliases) > 0 {
				fmt.Printf("             aliases: %s\n", strings.Join(cap.Aliases, ", "))
			}
		}

		if includeRemote {
			remote := pl.Broker().DiscoverTools(true)
			if len(remote) > 0 {
				fmt.Println("\nRemote tools:")
				for _, tool := range remote {
					fmt.Printf("%-12s via %-16s %s\n", tool.Name, tool.Peer, tool.Description)
				}
			}
		}
		return nil
	},
}

// peersCmd lists registered peers and their load.
var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List registered peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		pl, err := buildPipeline()
		if err != nil {
			return err
		}
		defer pl.Close()

		for _, peer := range pl.Broker().GetPeers() {
			local := ""
			if peer.ID == pl.Broker().GetLocalPeerID() {
				local = " (local)"
			}
			fmt.Printf("%-16s %-8s load=%-3d %s:%d%s\n",
				peer.Name, peer.Status, peer.Load, peer.Host, peer.Port, local)
			if len(peer.Tools) > 0 {
				fmt.Printf("                 tools: %s\n", strings.Join(peer.Tools, ", "))
			}
		}
		return nil
	},
}

// auditCmd shows recent command audit entries.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent command audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		pl, err := buildPipeline()
		if err != nil {
			return err
		}
		defer pl.Close()

		filter := safety.AuditFilter{UserID: auditUser, Limit: auditLimit}
		if auditSince > 0 {
			filter.Since = time.Now().Add(-auditSince)
		}
		entries, err := pl.Validator().AuditStoreHandle().Query(context.Background(), filter)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no audit entries")
			return nil
		}
		for _, entry := range entries {
			verdict := "denied"
			if entry.Allowed {
				verdict = "allowed"
			}
			outcome := ""
			if entry.Executed {
				if entry.Success {
					outcome = " ran=ok"
				} else {
					outcome = " ran=failed"
				}
			}
			fmt.Printf("%s  %-7s %-7s %s%s\n",
				entry.Timestamp.Format("2006-01-02 15:04:05"),
				verdict, entry.Risk, entry.Command, outcome)
		}
		return nil
	},
}

func init() {
	toolsCmd.Flags().BoolVar(&includeRemote, "remote", false, "include tools advertised by peers")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "number of entries to show")
	auditCmd.Flags().StringVar(&auditUser, "user", "", "filter by user id")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "only entries newer than this, e.g. 24h")
}
