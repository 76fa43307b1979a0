package gateway

import (
	"fmt"
	"strings"
)

// PrefixIdentity derives a durable auth key from the channel session
// id. Real deployments replace this with an identity store lookup; the
// mapping only has to be stable so leases and ledger slots survive
// channel reconnects.
type PrefixIdentity struct{}

func (PrefixIdentity) ResolveAuthSession(channelSessionID string) (string, error) {
	id := strings.TrimSpace(channelSessionID)
	if id == "" {
		return "", fmt.Errorf("empty channel session id")
	}
	if strings.HasPrefix(id, "auth:") {
		return id, nil
	}
	return "auth:" + id, nil
}
