package intent

import (
	"regexp"
	"strings"
)

// Entity map keys produced by ExtractEntities.
const (
	EntityPaths          = "paths"
	EntityURLs           = "urls"
	EntityGitHubUsers    = "githubUsers"
	EntityFileExtensions = "fileExtensions"
	EntityPackages       = "packages"
)

var (
	pathPattern = regexp.MustCompile(`(?:^|[\s"'` + "`" + `])((?:/|~/|\./|\.\./|[a-zA-Z]:\\)[^\s"'` + "`" + `,;]+|\b[\w./-]+\.(?:txt|md|json|yaml|yml|log|csv|go|js|ts|tsx|jsx|py|rs|java|c|cpp|h|sh|html|css|xml|toml|ini|conf|sql|pdf|png|jpg|jpeg|gif|zip|tar|gz)\b)`)
	urlPattern  = regexp.MustCompile(`https?://[^\s"'` + "`" + `<>]+`)
	// packagePattern must run before handlePattern so @scope/name is not
	// misread as a handle.
	packagePattern = regexp.MustCompile(`@[a-z0-9][\w.-]*/[\w.-]+`)
	handlePattern  = regexp.MustCompile(`@([a-zA-Z0-9][a-zA-Z0-9-]*)\b`)
	extPattern     = regexp.MustCompile(`\.(txt|md|json|yaml|yml|log|csv|go|js|ts|tsx|jsx|py|rs|java|c|cpp|h|sh|html|css|xml|toml|ini|conf|sql|pdf|png|jpg|jpeg|gif|zip|tar|gz)\b`)
)

// ExtractEntities scans the input for file paths, URLs, GitHub handles,
// file extensions and scoped package identifiers. Extraction is
// independent of classification.
func ExtractEntities(input string) map[string][]string {
	entities := make(map[string][]string)
	if strings.TrimSpace(input) == "" {
		return entities
	}

	// URLs first; path extraction must not pick pieces out of them.
	urls := urlPattern.FindAllString(input, -1)
	stripped := urlPattern.ReplaceAllString(input, " ")
	for _, u := range urls {
		appendUnique(entities, EntityURLs, strings.TrimRight(u, ".,;)"))
	}

	for _, m := range pathPattern.FindAllStringSubmatch(stripped, -1) {
		if len(m) >= 2 && m[1] != "" {
			appendUnique(entities, EntityPaths, m[1])
		}
	}

	packages := packagePattern.FindAllString(stripped, -1)
	for _, p := range packages {
		appendUnique(entities, EntityPackages, p)
	}
	withoutPackages := packagePattern.ReplaceAllString(stripped, " ")
	for _, m := range handlePattern.FindAllStringSubmatch(withoutPackages, -1) {
		if len(m) >= 2 {
			appendUnique(entities, EntityGitHubUsers, m[1])
		}
	}

	for _, m := range extPattern.FindAllStringSubmatch(stripped, -1) {
		if len(m) >= 2 {
			appendUnique(entities, EntityFileExtensions, m[1])
		}
	}

	return entities
}

// appendUnique appends value under key if not already present.
func appendUnique(entities map[string][]string, key, value string) {
	for _, existing := range entities[key] {
		if existing == value {
			return
		}
	}
	entities[key] = append(entities[key], value)
}
