package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"lead-relay/handler"
	"lead-relay/internal/config"
	"lead-relay/internal/forward"
	"lead-relay/internal/integrations/bus"
	"lead-relay/internal/integrations/openai"
	"lead-relay/internal/integrations/paramstore"
	"lead-relay/internal/integrations/sheets"
	"lead-relay/internal/integrations/zoho"
	"lead-relay/internal/lock"
	"lead-relay/internal/repository"
	"lead-relay/internal/usecase"
)

// Parameter names read under PARAM_PREFIX when the matching variable is unset.
const (
	paramOpenAIKey         = "openai-api-key"
	paramZohoClientSecret  = "zoho-client-secret"
	paramZohoRefreshToken  = "zoho-refresh-token"
	paramGoogleCredentials = "google-credentials"
)

// lockLeaseMargin keeps a Redis turn lock alive past the longest poll and forward.
const lockLeaseMargin = 30 * time.Second

type app struct {
	service *usecase.ChatService
	handler *handler.Handler
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// awsLoader loads the shared AWS config at most once, on first use.
type awsLoader struct {
	cfg    aws.Config
	loaded bool
}

func (l *awsLoader) get(ctx context.Context) (aws.Config, error) {
	if l.loaded {
		return l.cfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	l.cfg, l.loaded = cfg, true
	return cfg, nil
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	shared := &awsLoader{}

	var params *paramstore.Client
	if cfg.ParamPrefix != "" {
		awsCfg, err := shared.get(ctx)
		if err != nil {
			return nil, err
		}
		if params, err = paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix); err != nil {
			return nil, err
		}
	}

	var keyLoader openai.KeyLoader
	switch {
	case cfg.OpenAIAPIKey != "":
		keyLoader = openai.StaticKey(cfg.OpenAIAPIKey)
	case params != nil:
		keyLoader = params.Loader(paramOpenAIKey)
	default:
		return nil, errors.New("OPENAI_API_KEY is required when PARAM_PREFIX is not set")
	}
	assistant, err := openai.NewClient(keyLoader, openai.WithBaseURL(cfg.OpenAIBaseURL))
	if err != nil {
		return nil, err
	}

	cfg = resolveSecrets(ctx, cfg, params, logger)

	fwd, err := buildForwarder(ctx, cfg, shared, logger, a)
	if err != nil {
		a.close()
		return nil, err
	}

	locker, err := buildLocker(ctx, cfg, logger, a)
	if err != nil {
		a.close()
		return nil, err
	}

	var detector usecase.LeadDetector
	if cfg.LeadStrategy == config.LeadStrategyPhrase {
		detector = usecase.NewPhraseDetector(cfg.LeadTriggerPhrase)
	} else {
		detector = usecase.NewPayloadDetector(cfg.LeadMarker)
	}

	a.service, err = usecase.NewChatService(assistant, locker, detector, fwd, logger, usecase.Options{
		AssistantID:    cfg.AssistantID,
		PollInterval:   cfg.PollInterval,
		PollTimeout:    cfg.PollTimeout,
		LockWait:       cfg.LockWait,
		MaxMessageLen:  cfg.MaxMessageLen,
		Greeting:       cfg.StartGreeting,
		ForwardAsync:   cfg.ForwardAsync,
		ForwardTimeout: cfg.ForwardTimeout,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.handler, err = handler.NewHandler(a.service, logger, handler.Options{
		StaticDir:   cfg.StaticDir,
		CORSOrigins: cfg.CORSOrigins,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	logger.Info("relay configured",
		"lead_strategy", cfg.LeadStrategy,
		"forward_async", cfg.ForwardAsync,
		"poll_interval", cfg.PollInterval,
		"poll_timeout", cfg.PollTimeout,
		"greeting", cfg.StartGreeting,
	)
	return a, nil
}

// resolveSecrets fills integration secrets from the parameter store. A
// missing secret only disables the integration that needs it.
func resolveSecrets(ctx context.Context, cfg config.Config, params *paramstore.Client, logger *slog.Logger) config.Config {
	if params == nil {
		return cfg
	}
	resolve := func(current, name string) string {
		v, err := params.Resolve(ctx, current, name)
		if err != nil {
			logger.Warn("secret unavailable", "name", name, "error", err)
			return current
		}
		return v
	}
	if cfg.Zoho.ClientID != "" {
		cfg.Zoho.ClientSecret = resolve(cfg.Zoho.ClientSecret, paramZohoClientSecret)
		cfg.Zoho.RefreshToken = resolve(cfg.Zoho.RefreshToken, paramZohoRefreshToken)
	}
	if cfg.Sheets.SpreadsheetID != "" {
		cfg.Sheets.CredentialsJSON = resolve(cfg.Sheets.CredentialsJSON, paramGoogleCredentials)
	}
	return cfg
}

func buildForwarder(ctx context.Context, cfg config.Config, shared *awsLoader, logger *slog.Logger, a *app) (usecase.Forwarder, error) {
	kind := cfg.ForwarderKind()
	noop := func(reason string) (usecase.Forwarder, error) {
		logger.Warn("lead forwarding disabled", "forwarder", kind, "reason", reason)
		return forward.NewNoop(logger), nil
	}

	switch kind {
	case config.ForwarderZoho:
		if !cfg.Zoho.Complete() {
			return noop("ZOHO_CLIENT_ID, ZOHO_CLIENT_SECRET, ZOHO_REFRESH_TOKEN and ZOHO_USER_EMAIL are required")
		}
		client, err := zoho.NewClient(zoho.Credentials{
			ClientID:     cfg.Zoho.ClientID,
			ClientSecret: cfg.Zoho.ClientSecret,
			RefreshToken: cfg.Zoho.RefreshToken,
		}, zoho.WithAccountsURL(cfg.Zoho.AccountsURL), zoho.WithAPIURL(cfg.Zoho.APIURL))
		if err != nil {
			return nil, err
		}
		logger.Info("forwarding leads to CRM", "user_email", cfg.Zoho.UserEmail)
		return forward.NewCRM(client)

	case config.ForwarderSheets:
		if !cfg.Sheets.Complete() {
			return noop("GOOGLE_SHEET_ID and GOOGLE_CREDENTIALS_JSON are required")
		}
		client, err := sheets.New(ctx, option.WithCredentialsJSON([]byte(cfg.Sheets.CredentialsJSON)))
		if err != nil {
			return nil, err
		}
		logger.Info("forwarding leads to spreadsheet", "sheet_id", cfg.Sheets.SpreadsheetID, "range", cfg.Sheets.Range)
		return forward.NewSheet(client, cfg.Sheets.SpreadsheetID, cfg.Sheets.Range)

	case config.ForwarderDynamoDB:
		if cfg.LeadsTable == "" {
			return noop("LEADS_TABLE is required")
		}
		awsCfg, err := shared.get(ctx)
		if err != nil {
			return nil, err
		}
		store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.LeadsTable)
		if err != nil {
			return nil, err
		}
		logger.Info("forwarding leads to table", "table", cfg.LeadsTable)
		return forward.NewLedger(store)

	case config.ForwarderNATS:
		if cfg.NatsURL == "" {
			return noop("NATS_URL is required")
		}
		client, err := bus.Connect(cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		logger.Info("publishing leads", "url", cfg.NatsURL, "subject", cfg.NatsLeadSubject)
		return forward.NewEvent(client, cfg.NatsLeadSubject)

	default:
		return noop("no forwarder configured")
	}
}

func buildLocker(ctx context.Context, cfg config.Config, logger *slog.Logger, a *app) (usecase.Locker, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return lock.NewLocal(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	logger.Info("serialising turns through redis", "addr", opts.Addr)
	return lock.NewRedis(rdb, cfg.PollTimeout+cfg.ForwardTimeout+lockLeaseMargin, logger)
}
