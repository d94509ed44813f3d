package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/textdesk/textdesk/internal/broadcast"
	"github.com/textdesk/textdesk/internal/broker"
	"github.com/textdesk/textdesk/internal/config"
	"github.com/textdesk/textdesk/internal/gateway"
	"github.com/textdesk/textdesk/internal/hooks"
	"github.com/textdesk/textdesk/internal/ingest"
	"github.com/textdesk/textdesk/internal/provider"
	"github.com/textdesk/textdesk/internal/routing"
	"github.com/textdesk/textdesk/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the textdesk gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}

			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			if err := paths.EnsureDirs(); err != nil {
				return fmt.Errorf("creating data directories: %w", err)
			}

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := store.Open(paths.DatabasePath(cfg.Storage), log)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()

			numbers := store.NewNumberStore(db)
			messages := store.NewMessageStore(db)
			contacts := store.NewContactDirectory(db)
			resolver := routing.NewResolver(numbers, log)

			var bus broker.Broker
			switch cfg.Broker.Kind {
			case "redis":
				bus, err = broker.NewRedis(ctx, broker.RedisOptions{
					Addr:     cfg.Broker.Redis.Addr,
					Password: cfg.Broker.Redis.Password,
					DB:       cfg.Broker.Redis.DB,
				}, log)
				if err != nil {
					return fmt.Errorf("connecting to redis: %w", err)
				}
				log.Info().Str("addr", cfg.Broker.Redis.Addr).Msg("using redis broker")
			default:
				bus = broker.NewMemory(log)
				log.Info().Msg("using in-process broker")
			}
			defer bus.Close()

			hookMgr := hooks.NewManager(log)
			registerConfigHooks(hookMgr, cfg.Hooks)

			var sender provider.Sender
			if cfg.Provider.AccountSID != "" {
				sender = provider.NewTwilio(cfg.Provider.AccountSID, cfg.Provider.AuthToken, log)
				log.Info().Msg("using twilio sender")
			} else {
				sender = provider.NewMock()
				log.Warn().Msg("no provider credentials — outbound messages will not be delivered")
			}

			broadcaster := broadcast.New(bus, log)
			pipeline := ingest.NewPipeline(numbers, messages, contacts, resolver, broadcaster, sender, hookMgr, log)

			webhook := ingest.NewWebhookHandler(pipeline, ingest.WebhookOptions{
				AuthToken:          cfg.Provider.AuthToken,
				CallbackURL:        cfg.Provider.CallbackURL,
				SkipSignatureCheck: cfg.Provider.SkipSignatureCheck,
			}, log)

			srv := gateway.New(
				cfg.Gateway,
				bus,
				pipeline,
				contacts,
				messages,
				numbers,
				log,
				gateway.WithWebhook(webhook),
				gateway.WithHooks(hookMgr),
			)

			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")

	return cmd
}

// registerConfigHooks wires shell-command hooks from config onto the manager.
func registerConfigHooks(m *hooks.Manager, cfg config.HooksConfig) {
	register := func(event string, entries []config.HookEntry) {
		for i, entry := range entries {
			if entry.Command == "" {
				continue
			}
			timeout := time.Duration(entry.Timeout) * time.Millisecond
			if timeout == 0 {
				timeout = 30 * time.Second
			}
			name := fmt.Sprintf("config-%s-%d", event, i)
			m.On(event, name, hooks.CommandHandler(entry.Command, timeout))
		}
	}

	register(hooks.EventMessageReceived, cfg.MessageReceived)
	register(hooks.EventMessageSent, cfg.MessageSent)
	register(hooks.EventStorageError, cfg.StorageError)
	register(hooks.EventOrphanedWebhook, cfg.OrphanedWebhook)
	register(hooks.EventGatewayStart, cfg.GatewayStart)
	register(hooks.EventGatewayStop, cfg.GatewayStop)
}
