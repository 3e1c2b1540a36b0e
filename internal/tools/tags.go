// ABOUTME: Extracts explicit #tool tags from chat text
// ABOUTME: Tags are returned in order of appearance, duplicates included

package tools

import "regexp"

var tagPattern = regexp.MustCompile(`#([A-Za-z0-9_]+)`)

// ParseToolTags returns every tool name tagged in text.
func ParseToolTags(text string) []string {
	matches := tagPattern.FindAllStringSubmatch(text, -1)
	tags := make([]string, 0, len(matches))
	for _, m := range matches {
		tags = append(tags, m[1])
	}
	return tags
}
