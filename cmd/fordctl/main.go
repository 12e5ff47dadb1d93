// fordctl 对单辆车执行一次命令、授权或状态查询，退出码反映命令结果
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/fordgazer/internal/command"
	"github.com/langchou/fordgazer/internal/config"
	"github.com/langchou/fordgazer/internal/service"
	"github.com/langchou/fordgazer/internal/token"
)

// exitError 带退出码的错误
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

type options struct {
	user         string
	region       string
	vin          string
	tokenDir     string
	redirectURL  string
	codeVerifier string
	debug        bool
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var opts options
	flagSet := pflag.NewFlagSet("fordctl", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.user, "user", "u", cfg.Username, "FordPass account (default FORD_USERNAME)")
	flagSet.StringVarP(&opts.region, "region", "r", cfg.Region, "account region code or legacy name")
	flagSet.StringVar(&opts.vin, "vin", firstVIN(cfg.VINs), "vehicle VIN (default first of FORD_VINS)")
	flagSet.StringVar(&opts.tokenDir, "token-dir", cfg.TokenDir, "directory holding token files")
	flagSet.StringVar(&opts.redirectURL, "redirect-url", "", "fordapp:// redirect URL copied after login (auth)")
	flagSet.StringVar(&opts.codeVerifier, "code-verifier", "", "PKCE code_verifier used for the login URL (auth)")
	flagSet.BoolVar(&opts.debug, "debug", cfg.Debug, "verbose logging")
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		printHelp(flagSet)
		return &exitError{code: 1, err: errors.New("exactly one command is required")}
	}

	logger := initLogger(opts.debug)
	defer logger.Sync()

	display, err := cfg.Display()
	if err != nil {
		return err
	}
	registry := service.NewRegistry(logger, service.Options{
		Hosts:   cfg.Hosts(),
		Store:   token.NewFileStore(opts.tokenDir),
		Display: display,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch name := flagSet.Arg(0); name {
	case "auth":
		return authorize(ctx, registry, opts)
	case "logout":
		acc, err := registry.Account(opts.user, opts.region)
		if err != nil {
			return err
		}
		return acc.Tokens.Clear(ctx)
	case "status":
		return status(ctx, registry, opts)
	default:
		return execute(ctx, registry, opts, name)
	}
}

func authorize(ctx context.Context, registry *service.Registry, opts options) error {
	if opts.redirectURL == "" || opts.codeVerifier == "" {
		return errors.New("auth requires --redirect-url and --code-verifier")
	}
	acc, err := registry.Account(opts.user, opts.region)
	if err != nil {
		return err
	}
	if err := acc.Tokens.Authorize(ctx, opts.redirectURL, opts.codeVerifier); err != nil {
		return &exitError{code: command.ReauthRequired.ExitCode(), err: err}
	}
	fmt.Printf("authorized %s (%s)\n", opts.user, acc.Region.Code)
	return nil
}

func status(ctx context.Context, registry *service.Registry, opts options) error {
	sess, err := registry.Open(opts.user, opts.region, opts.vin)
	if err != nil {
		return err
	}
	if _, err := sess.Refresh(ctx, true); err != nil {
		if errors.Is(err, token.ErrReauthRequired) {
			return &exitError{code: command.ReauthRequired.ExitCode(), err: err}
		}
		return &exitError{code: command.CommError.ExitCode(), err: err}
	}
	tags, err := sess.Tags()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tags)
}

func execute(ctx context.Context, registry *service.Registry, opts options, name string) error {
	commandType, err := command.Parse(name)
	if err != nil {
		return err
	}
	sess, err := registry.Open(opts.user, opts.region, opts.vin)
	if err != nil {
		return err
	}

	outcome, err := sess.Execute(ctx, command.Request{Type: commandType})
	if err != nil {
		return err
	}
	fmt.Println(outcome)
	if err := outcome.Err(); err != nil {
		return &exitError{code: outcome.ExitCode(), err: err}
	}
	return nil
}

func firstVIN(vins []string) string {
	if len(vins) == 0 {
		return ""
	}
	return vins[0]
}

// initLogger 命令行默认只输出警告
func initLogger(debug bool) *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !debug {
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, _ := config.Build()
	return logger
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `fordctl - run one FordPass operation against a vehicle.

Usage:
  fordctl [flags] <command>

Commands:
  auth     exchange a login redirect URL for tokens
  logout   delete the stored tokens
  status   refresh once and print normalized values
  %s

Exit codes: 0 success, 2 communication error, 3 reauthorization required, 1 otherwise.

Flags:
%s`, strings.Join(command.Names(), "\n  "), flagSet.FlagUsages())
}
