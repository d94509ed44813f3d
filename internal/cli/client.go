package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/textdesk/textdesk/internal/config"
	"github.com/textdesk/textdesk/internal/gateway"
	"github.com/textdesk/textdesk/internal/session"
	"github.com/textdesk/textdesk/internal/version"
)

// dialGateway opens a one-shot session to the local gateway and waits for
// the handshake to complete. The caller must Close the session.
func dialGateway(ctx context.Context, recipientID string) (*session.Session, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return nil, err
	}

	scheme := "ws"
	if cfg.Gateway.TLS.Enabled {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://127.0.0.1:%d/ws", scheme, cfg.Gateway.Port)

	connected := make(chan struct{}, 1)
	sess, err := session.New(session.Options{
		URL:         url,
		Token:       gateway.ResolveAuth(cfg.Gateway.Auth).Token,
		RecipientID: recipientID,
		ClientInfo: gateway.ClientInfo{
			ID:       "cli",
			Version:  version.Version,
			Platform: "cli",
		},
	}, session.Handlers{
		OnStateChange: func(st session.State) {
			if st == session.StateConnected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
	}, log)
	if err != nil {
		return nil, err
	}

	go sess.Run(ctx)

	select {
	case <-connected:
		return sess, nil
	case <-time.After(10 * time.Second):
		sess.Close()
		return nil, fmt.Errorf("gateway at %s did not answer — is `textdesk serve` running?", url)
	case <-ctx.Done():
		sess.Close()
		return nil, ctx.Err()
	}
}
