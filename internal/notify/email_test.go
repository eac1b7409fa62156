package notify

import (
	"testing"

	"github.com/meridianpay/meridian-api/internal/constants"
	"github.com/stretchr/testify/assert"
)

func TestFinalActionContent(t *testing.T) {
	tests := []struct {
		action      string
		wantSubject string
	}{
		{constants.FinalActionCancel, "Your subscription was canceled"},
		{constants.FinalActionPause, "Your subscription was paused"},
		{constants.FinalActionDowngrade, "Your subscription was downgraded"},
		{"unknown", "Your subscription needs attention"},
	}

	for _, tc := range tests {
		subject, body := finalActionContent(tc.action)
		assert.Equal(t, tc.wantSubject, subject, tc.action)
		assert.NotEmpty(t, body, tc.action)
	}

	// The canceled notice must say so; a generic "needs attention" body
	// would hide that the subscription is gone.
	_, canceled := finalActionContent(constants.FinalActionCancel)
	assert.Contains(t, canceled, "canceled")
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "$20.00", formatCents(2000))
	assert.Equal(t, "$0.05", formatCents(5))
	assert.Equal(t, "$19.99", formatCents(1999))
}
