package storage

import (
	"fmt"
	"path"
	"strings"

	"styleai/pkg/domain"
)

// StylePath is the object key of a catalog asset. Gendered assets live in a
// per-gender folder under the category.
func StylePath(category domain.Category, gender domain.Gender, fileName string) string {
	if gender == "" {
		return path.Join("styles", string(category), fileName)
	}
	return path.Join("styles", string(category), string(gender), fileName)
}

// GeneratedPrefix is the folder holding a user's generated images.
func GeneratedPrefix(userID string) string {
	return "generatedImages/" + strings.TrimSpace(userID) + "/"
}

// UploadsPrefix is the folder holding a user's source photos.
func UploadsPrefix(userID string) string {
	return "uploads/" + strings.TrimSpace(userID) + "/"
}

// UploadPath is the object key for a source photo uploaded at tsMillis.
func UploadPath(userID string, tsMillis int64) string {
	return fmt.Sprintf("%s%d.png", UploadsPrefix(userID), tsMillis)
}
