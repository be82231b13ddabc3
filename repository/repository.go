// repository/repository.go
package repository

import (
	"sort"
	"strings"

	"github.com/Coding-for-Machine/video-transcoder/models"
)

// sortVariants orders rows by ladder position.
func sortVariants(rows []models.VideoQualityVariant) []models.VideoQualityVariant {
	sort.SliceStable(rows, func(i, j int) bool {
		return models.RetryPriority(rows[i].QualityName) < models.RetryPriority(rows[j].QualityName)
	})
	return rows
}

func joinQualities(qualities []string) string {
	return strings.Join(qualities, ",")
}

func splitQualities(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
