package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGatewayBackoffSequence(t *testing.T) {
	p := GatewayPolicy()

	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 16*time.Second, p.Delay(3))
	// Capped at Max.
	assert.Equal(t, 16*time.Second, p.Delay(4))
}

func TestLinearBackoffCaps(t *testing.T) {
	p := Policy{Mode: BackoffLinear, Initial: 3 * time.Second, Max: 5 * time.Second, MaxRetries: 5}

	assert.Equal(t, 3*time.Second, p.Delay(1))
	assert.Equal(t, 5*time.Second, p.Delay(2))
}

func TestFixedBackoff(t *testing.T) {
	p := Policy{Mode: BackoffFixed, Initial: 2 * time.Second, Max: 30 * time.Second, MaxRetries: 3}

	for i := 1; i <= 3; i++ {
		assert.Equal(t, 2*time.Second, p.Delay(i))
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, GatewayPolicy().Validate())
	assert.Error(t, Policy{Mode: BackoffFixed, Initial: 0, Max: time.Second}.Validate())
	assert.Error(t, Policy{Mode: BackoffFixed, Initial: time.Second, Max: 0}.Validate())
	assert.Error(t, Policy{Mode: BackoffFixed, Initial: time.Second, Max: time.Second, MaxRetries: -1}.Validate())
}
