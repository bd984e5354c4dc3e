package validation

import (
	"testing"
)

func TestValidateUUID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid UUID", "550e8400-e29b-41d4-a716-446655440000", false},
		{"valid UUID uppercase", "550E8400-E29B-41D4-A716-446655440000", false},
		{"empty", "", true},
		{"not a UUID", "not-a-uuid", true},
		{"path traversal attempt", "../../../etc/passwd", true},
		{"SQL injection attempt", "'; DROP TABLE sessions; --", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUUID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUUID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid UUID session", "550e8400-e29b-41d4-a716-446655440000", false},
		{"empty", "", true},
		{"not a UUID", "not-valid", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateServerName(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple name", "filesystem", false},
		{"with dash", "my-server", false},
		{"with underscore", "my_server", false},
		{"empty", "", true},
		{"contains dot", "my.server", true},
		{"contains space", "my server", true},
		{"contains slash", "my/server", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServerName(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateServerName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateGlobPatterns(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		wantErr  bool
	}{
		{"nil list", nil, false},
		{"valid patterns", []string{"fs.*", "git.commit", "*"}, false},
		{"empty pattern", []string{""}, true},
		{"unbalanced bracket", []string{"fs.[abc"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGlobPatterns(tt.patterns)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateGlobPatterns() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateBreakpointLocation(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		scriptID string
		wantErr  bool
	}{
		{"url only", "file:///app/index.js", "", false},
		{"scriptId only", "", "42", false},
		{"neither", "", "", true},
		{"both", "file:///app/index.js", "42", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBreakpointLocation(tt.url, tt.scriptID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBreakpointLocation() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"simple path", "foo/bar", "foo/bar", false},
		{"single component", "filename.txt", "filename.txt", false},
		{"with underscore", "my_file.txt", "my_file.txt", false},
		{"with dash", "my-file.txt", "my-file.txt", false},
		{"trailing slash", "foo/bar/", "foo/bar/", false},
		{"empty", "", "", true},
		{"path traversal", "../../../etc/passwd", "", true},
		{"path traversal in middle", "foo/../../../etc/passwd", "", true},
		{"absolute path", "/etc/passwd", "", true},
		{"unsafe chars semicolon", "foo;rm -rf /", "", true},
		{"unsafe chars space", "foo bar", "", true},
		{"unsafe chars ampersand", "foo&bar", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("SanitizePath() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("SanitizePath() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateContainerID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid short ID", "abc123def456", false},
		{"valid long ID", "abc123def456abc123def456abc123def456abc123def456abc123def456abc1", false},
		{"valid uppercase", "ABC123DEF456", false},
		{"empty", "", true},
		{"too short", "abc123", true},
		{"too long", "abc123def456abc123def456abc123def456abc123def456abc123def456abc12345", true},
		{"invalid chars", "abc123def456xyz!", true},
		{"invalid chars space", "abc123 def456", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContainerID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateContainerID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
