package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
		errMsg  string
	}{
		{name: "valid relative path", path: "data/history.db"},
		{name: "valid absolute path", path: "/var/lib/linkup/history.db"},
		{name: "dot in filename", path: "config/linkup.config.json"},
		{name: "double dot inside name", path: "data/v1..2.db"},
		{name: "empty path", path: "", wantErr: true, errMsg: "cannot be empty"},
		{name: "traversal", path: "../../etc/passwd", wantErr: true, errMsg: "directory traversal"},
		{name: "embedded traversal", path: "data/../../etc/passwd", wantErr: true, errMsg: "directory traversal"},
		{name: "nul byte", path: "data\x00.db", wantErr: true, errMsg: "NUL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "photo.jpg", SanitizeFileName("photo.jpg"))
	assert.Equal(t, "passwd", SanitizeFileName("../../etc/passwd"))
	assert.Equal(t, "ab.png", SanitizeFileName("a\"b.png"))
	assert.Equal(t, "attachment", SanitizeFileName(""))
	assert.Equal(t, "attachment", SanitizeFileName(".."))
}
