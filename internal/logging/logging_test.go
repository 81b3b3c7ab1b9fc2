package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		wantLevel     logrus.Level
		wantJSON      bool
	}{
		{"debug", "json", logrus.DebugLevel, true},
		{"warn", "text", logrus.WarnLevel, false},
		{"nonsense", "", logrus.InfoLevel, false},
	}
	for _, tt := range tests {
		logger := New(tt.level, tt.format)
		assert.Equal(t, tt.wantLevel, logger.GetLevel(), "level %q", tt.level)
		_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
		assert.Equal(t, tt.wantJSON, isJSON, "format %q", tt.format)
	}
}
