package shield

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter() *Router {
	resolver := NewStaticResolver()
	resolver.Add("bob1234", "shield.tld", Record{
		UserID:          "user-bob",
		DeliveryAddress: "bob@real.example",
		ShieldActive:    true,
		UserActive:      true,
	})
	resolver.Add("sleepy", "shield.tld", Record{
		UserID:          "user-sleepy",
		DeliveryAddress: "sleepy@real.example",
		ShieldActive:    true,
		UserActive:      false,
	})
	resolver.Add("revoked", "shield.tld", Record{
		UserID:          "user-revoked",
		DeliveryAddress: "revoked@real.example",
		ShieldActive:    false,
		UserActive:      true,
	})
	return NewRouter([]string{"shield.tld", "Shield.Example"}, resolver)
}

func TestResolve(t *testing.T) {
	r := testRouter()
	ctx := context.Background()

	rc, err := r.Resolve(ctx, "bob1234@shield.tld")
	require.NoError(t, err)
	assert.Equal(t, "user-bob", rc.UserID)
	assert.Equal(t, "bob@real.example", rc.DeliveryAddress)
	assert.Equal(t, "bob1234", rc.ShieldPrefix)
}

func TestResolveCaseInsensitive(t *testing.T) {
	r := testRouter()

	rc, err := r.Resolve(context.Background(), "  BOB1234@Shield.TLD ")
	require.NoError(t, err)
	assert.Equal(t, "user-bob", rc.UserID)
}

func TestResolveErrors(t *testing.T) {
	r := testRouter()
	ctx := context.Background()

	tests := []struct {
		name      string
		recipient string
		wantErr   error
	}{
		{"no at sign", "not-an-address", ErrMalformedAddress},
		{"double at", "a@b@shield.tld", ErrMalformedAddress},
		{"empty local", "@shield.tld", ErrMalformedAddress},
		{"foreign domain", "bob1234@elsewhere.example", ErrDomainNotServiced},
		{"unknown shield", "nobody@shield.tld", ErrUnknownShield},
		{"inactive user", "sleepy@shield.tld", ErrInactiveUser},
		{"revoked shield", "revoked@shield.tld", ErrUnknownShield},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, tt.recipient)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestServiced(t *testing.T) {
	r := testRouter()
	assert.True(t, r.Serviced("shield.tld"))
	assert.True(t, r.Serviced("SHIELD.TLD"))
	assert.True(t, r.Serviced("shield.example"))
	assert.False(t, r.Serviced("gmail.com"))
}
