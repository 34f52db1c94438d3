// Command tablepilot runs the analytics agent as an interactive session
// against a MongoDB dataset store. HTTP routing and authentication live in
// front of this process; here a single user id scopes every request.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	"github.com/tablepilot/tablepilot/agent"
	"github.com/tablepilot/tablepilot/audit"
	"github.com/tablepilot/tablepilot/config"
	"github.com/tablepilot/tablepilot/conversation"
	"github.com/tablepilot/tablepilot/dataset"
	"github.com/tablepilot/tablepilot/model"
	anthropicmodel "github.com/tablepilot/tablepilot/model/anthropic"
	"github.com/tablepilot/tablepilot/model/middleware"
	openaimodel "github.com/tablepilot/tablepilot/model/openai"
	"github.com/tablepilot/tablepilot/pipeline"
	"github.com/tablepilot/tablepilot/resolver"
	"github.com/tablepilot/tablepilot/store"
	mongostore "github.com/tablepilot/tablepilot/store/mongo"
	"github.com/tablepilot/tablepilot/tools"
)

func main() {
	var (
		userF  = flag.String("user", "local", "User id scoping every query")
		probeF = flag.Bool("probe", false, "Print the tool catalogue and exit")
		dbgF   = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := run(ctx, cfg, *userF, *probeF); err != nil {
		log.Fatalf(ctx, err, "tablepilot")
	}
}

func run(ctx context.Context, cfg *config.Config, userID string, probe bool) error {
	// Storage.
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(dialCtx,
		mongooptions.Client().ApplyURI(cfg.MongoURI).SetMaxPoolSize(cfg.StorePoolSize))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}()
	ms, err := mongostore.New(mongostore.Options{Client: client, Database: cfg.MongoDatabase})
	if err != nil {
		return err
	}
	if err := ms.Ping(dialCtx); err != nil {
		return fmt.Errorf("mongo unreachable at %s: %w", cfg.MongoURI, err)
	}
	st := store.WithRetry(ms)
	log.Print(ctx, log.KV{K: "mongo", V: cfg.MongoDatabase}, log.KV{K: "pool", V: cfg.StorePoolSize})

	// Tools.
	catalog := dataset.NewCatalog(st)
	newRegistry := func(res *resolver.Resolver) (*tools.Registry, error) {
		return tools.New(tools.Options{
			Catalog:    catalog,
			Executor:   pipeline.NewExecutor(st),
			Resolver:   res,
			MaxRawRows: cfg.MaxRawRows,
			LargeRows:  cfg.LargeDatasetRows,
			LargeDays:  cfg.LargeDatasetDays,
			Timeout:    cfg.ToolTimeout,
		})
	}
	if probe {
		registry, err := newRegistry(nil)
		if err != nil {
			return err
		}
		for _, e := range registry.Probe() {
			fmt.Printf("%s(%s)\n  %s\n", e.Name, e.Signature, strings.ReplaceAll(e.Example, "\n", " "))
		}
		return nil
	}

	// Providers.
	mdl, err := buildModel(ctx, cfg)
	if err != nil {
		return err
	}

	// Resolver shares the provider stack so its calls count against the same
	// rate budget.
	registry, err := newRegistry(resolver.New(resolver.Options{Client: mdl, TTL: cfg.ResolverTTL}))
	if err != nil {
		return err
	}

	convs := conversation.NewStore(st, cfg.ConversationTTL)
	sink := audit.NewSink(st)
	svc, err := agent.New(agent.Options{
		Model:         mdl,
		ModelID:       modelID(cfg),
		Tools:         registry,
		Conversations: convs,
		Audit:         sink,
		Catalog:       catalog,
		MaxIterations: cfg.MaxIterations,
		WallClock:     cfg.WallClock,
		LLMTimeout:    cfg.LLMTimeout,
	})
	if err != nil {
		return err
	}

	// Retention sweep: drop expired audit records and stale conversations.
	go func() {
		now := time.Now().UTC()
		if n, err := sink.Purge(ctx, now.Add(-cfg.AuditRetention)); err != nil {
			log.Errorf(ctx, err, "audit purge")
		} else if n > 0 {
			log.Print(ctx, log.KV{K: "audit-purged", V: n})
		}
		if n, err := convs.Purge(ctx, now.Add(-cfg.AuditRetention)); err != nil {
			log.Errorf(ctx, err, "conversation purge")
		} else if n > 0 {
			log.Print(ctx, log.KV{K: "conversations-purged", V: n})
		}
	}()

	return repl(ctx, svc, userID)
}

// repl reads questions from stdin and prints answers. The conversation id
// carries across turns so date-range clarifications resume correctly.
func repl(ctx context.Context, svc *agent.Agent, userID string) error {
	if suggestions, err := svc.Suggestions(ctx, userID); err == nil && len(suggestions) > 0 {
		fmt.Println("Try asking:")
		for _, s := range suggestions {
			fmt.Println("  -", s)
		}
	}
	var conversationID string
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		question := strings.TrimSpace(scanner.Text())
		switch question {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		resp, err := svc.Query(ctx, &agent.Request{
			UserID:         userID,
			Question:       question,
			ConversationID: conversationID,
		})
		if err != nil {
			log.Errorf(ctx, err, "query")
			continue
		}
		conversationID = resp.ConversationID
		fmt.Println(resp.AnswerDetailed)
		if resp.ChartConfig != nil {
			if raw, err := json.MarshalIndent(resp.ChartConfig, "", "  "); err == nil {
				fmt.Println(string(raw))
			}
		}
		log.Print(ctx,
			log.KV{K: "request_id", V: resp.RequestID},
			log.KV{K: "user_id", V: userID},
			log.KV{K: "state", V: resp.FinalState},
			log.KV{K: "tools", V: strings.Join(resp.ToolsCalled, ",")},
			log.KV{K: "latency_ms", V: resp.LatencyMS},
		)
	}
}

// buildModel assembles the provider chain: per-provider adapter, shared rate
// limit, failover from primary to fallback.
func buildModel(ctx context.Context, cfg *config.Config) (model.Client, error) {
	limit := middleware.NewRateLimiter(cfg.RateLimitRPM).Middleware()
	primary, err := newProvider(cfg, cfg.ProviderPrimary)
	if err != nil {
		return nil, err
	}
	primary = limit(primary)
	if cfg.ProviderFallback == "" || cfg.ProviderFallback == cfg.ProviderPrimary {
		return primary, nil
	}
	fallback, err := newProvider(cfg, cfg.ProviderFallback)
	if err != nil {
		log.Warnf(ctx, "fallback provider %s unavailable, running without failover: %v", cfg.ProviderFallback, err)
		return primary, nil
	}
	return middleware.NewFailover(middleware.FailoverOptions{
		Primary:  primary,
		Fallback: limit(fallback),
	})
}

func newProvider(cfg *config.Config, name string) (model.Client, error) {
	switch name {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("provider openai: OPENAI_API_KEY is not set")
		}
		return openaimodel.NewFromAPIKey(cfg.OpenAIKey, openaimodel.Options{Model: cfg.OpenAIModel})
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("provider anthropic: ANTHROPIC_API_KEY is not set")
		}
		return anthropicmodel.NewFromAPIKey(cfg.AnthropicKey, anthropicmodel.Options{
			Model:     cfg.AnthropicModel,
			MaxTokens: 2048,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q (want openai or anthropic)", name)
	}
}

func modelID(cfg *config.Config) string {
	if cfg.ProviderPrimary == "openai" {
		return cfg.OpenAIModel
	}
	return cfg.AnthropicModel
}
