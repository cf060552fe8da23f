package email

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"claim", StatePending, StateAnalyzing, true},
		{"analyze to deliver", StateAnalyzing, StateDelivering, true},
		{"blocked completes from analyzing", StateAnalyzing, StateCompleted, true},
		{"deliver to complete", StateDelivering, StateCompleted, true},
		{"deliver to failed", StateDelivering, StateFailed, true},
		{"reaper expires pending", StatePending, StateExpired, true},
		{"no skip to delivering", StatePending, StateDelivering, false},
		{"no backwards", StateDelivering, StateAnalyzing, false},
		{"completed is terminal", StateCompleted, StateAnalyzing, false},
		{"failed is terminal", StateFailed, StatePending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		addr   string
		local  string
		domain string
		ok     bool
	}{
		{"bob1234@shield.tld", "bob1234", "shield.tld", true},
		{"no-at-sign", "", "", false},
		{"two@at@signs", "", "", false},
		{"@shield.tld", "", "", false},
		{"bob@", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			local, domain, ok := SplitAddress(tt.addr)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.local, local)
			assert.Equal(t, tt.domain, domain)
		})
	}
}

func TestThreadingCopy(t *testing.T) {
	e := &EphemeralEmail{
		Headers: map[string]string{
			HeaderMessageID:  "<abc@ex.com>",
			HeaderInReplyTo:  "<prev@ex.com>",
			"X-Spam-Score":   "0.1",
			HeaderReferences: "<root@ex.com> <prev@ex.com>",
		},
	}

	got := e.ThreadingCopy()
	assert.Len(t, got, 3)
	assert.Equal(t, "<abc@ex.com>", got[HeaderMessageID])
	assert.NotContains(t, got, "X-Spam-Score")
}

func TestExpired(t *testing.T) {
	now := time.Now()
	e := &EphemeralEmail{TTLExpiresAt: now.Add(time.Minute)}
	assert.False(t, e.Expired(now))
	assert.True(t, e.Expired(now.Add(time.Minute)))
	assert.True(t, e.Expired(now.Add(2*time.Minute)))
}
