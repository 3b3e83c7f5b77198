package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/iyear/tdl/core/dcpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"github.com/xeptore/flaw/v8"

	"github.com/pouyad/tgdup/access"
	"github.com/pouyad/tgdup/cache"
	"github.com/pouyad/tgdup/config"
	"github.com/pouyad/tgdup/constant"
	"github.com/pouyad/tgdup/ctxutil"
	"github.com/pouyad/tgdup/drive"
	"github.com/pouyad/tgdup/drive/auth"
	drivefs "github.com/pouyad/tgdup/drive/fs"
	"github.com/pouyad/tgdup/log"
	"github.com/pouyad/tgdup/monitor"
	"github.com/pouyad/tgdup/ratelimit"
	"github.com/pouyad/tgdup/source"
	"github.com/pouyad/tgdup/task"
	"github.com/pouyad/tgdup/tgutil"
	"github.com/pouyad/tgdup/waitqueue"
)

const (
	flagConfigFilePath = "config"
)

func main() {
	logger := log.NewPretty(os.Stdout).Level(zerolog.TraceLevel)
	if err := godotenv.Load(); nil != err {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Msg(".env file was not found")
		} else {
			logger.Fatal().Err(err).Msg("Failed to load .env file")
		}
	}

	//nolint:exhaustruct
	app := &cli.App{
		Name:     "tgdup",
		Version:  constant.Version,
		Compiled: constant.CompileTime,
		Suggest:  true,
		Usage:    "Telegram to Google Drive relay bot",
		Commands: []*cli.Command{
			//nolint:exhaustruct
			{
				Name:    "run",
				Aliases: []string{"r"},
				Usage:   "Run the bot",
				Action:  run,
				Flags: []cli.Flag{
					//nolint:exhaustruct
					&cli.StringFlag{
						Name:     flagConfigFilePath,
						Aliases:  []string{"c"},
						Usage:    "Config file path",
						Required: false,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); nil != err {
		if errors.Is(err, context.Canceled) {
			logger.Trace().Msg("Application was canceled")
			return
		}
		if flawErr := new(flaw.Flaw); errors.As(err, &flawErr) {
			logger.Fatal().Func(log.Flaw(flawErr)).Msg("Application exited with flaw")
			return
		}
		logger.Fatal().Err(err).Msg("Application exited with error")
	}
}

func run(cliCtx *cli.Context) (err error) {
	ctx, cancel := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.NewPretty(os.Stdout).Level(zerolog.TraceLevel)
	var (
		appHash      = os.Getenv("APP_HASH")
		cfgEnv       = os.Getenv("CONFIG")
		botToken     = os.Getenv("BOT_TOKEN")
		clientID     = os.Getenv("GOOGLE_CLIENT_ID")
		clientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
		cfg          *config.Config
	)
	cfgFilePath := cliCtx.String(flagConfigFilePath)
	switch {
	case cfgFilePath != "" && cfgEnv != "":
		return errors.New("config file path and config environment variable are both set. specify only one")
	case cfgFilePath == "" && cfgEnv == "":
		return errors.New("config file path and config environment variable are both empty. specify one")
	case cfgFilePath != "":
		logger.Debug().Str("config_file_path", cfgFilePath).Msg("Loading config from file")
		c, err := config.FromFile(cfgFilePath)
		if nil != err {
			return fmt.Errorf("failed to load config file: %v", err)
		}
		cfg = c
	default:
		logger.Debug().Msg("Loading config from environment variable")
		c, err := config.FromString(cfgEnv)
		if nil != err {
			return fmt.Errorf("failed to load config from environment variable: %v", err)
		}
		cfg = c
	}

	appID, err := strconv.Atoi(os.Getenv("APP_ID"))
	if nil != err {
		return errors.New("failed to parse APP_ID environment variable to integer")
	}
	if clientID == "" || clientSecret == "" {
		return errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET environment variables must be set")
	}

	for _, dir := range []string{cfg.CredsDir, cfg.ScratchDir, cfg.LogDir} {
		if _, err := os.ReadDir(dir); nil != err && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read directory %q: %v", dir, err)
		} else if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Str("dir", dir).Msg("Directory does not exist. Creating...")
			if err := os.MkdirAll(dir, 0o0755); nil != err {
				return fmt.Errorf("failed to create directory %q: %v", dir, err)
			}
		}
	}

	mon, err := monitor.Open(cfg.LogDir)
	if nil != err {
		return err
	}
	defer mon.Close()

	var tokenCipher *drivefs.Cipher
	if tokenKey := os.Getenv("TOKEN_ENCRYPTION_KEY"); tokenKey != "" {
		tokenCipher, err = drivefs.NewCipher(tokenKey)
		if nil != err {
			return err
		}
	} else {
		logger.Warn().Msg("TOKEN_ENCRYPTION_KEY is not set. Storing credentials in plaintext")
	}

	scan, err := drivefs.Scan(cfg.CredsDir, tokenCipher)
	if nil != err {
		return err
	}
	if quarantined := len(scan.Quarantined); quarantined > 0 {
		logger.Warn().Ints64("user_ids", scan.Quarantined).Msg("Quarantined corrupt token files")
		if cfg.TokenScanAlertThreshold > 0 && quarantined >= cfg.TokenScanAlertThreshold {
			mon.Alert(fmt.Sprintf("token scan quarantined %d corrupt credential files", quarantined))
		}
	}
	logger.Info().Int("valid_tokens", scan.Valid).Msg("Credential scan finished")

	users, err := access.Open(cfg.UsersFile, cfg.SuperAdminIDs)
	if nil != err {
		return err
	}

	caches := cache.New()
	authMan := auth.NewManager(cfg.CredsDir, clientID, clientSecret, tokenCipher)
	driveSvc := drive.New(authMan, &caches.FolderIDs, cfg.DriveFolderID, cfg.DriveFolderName)
	resolver := source.NewResolver(&caches.DirectLinks)

	d := tg.NewUpdateDispatcher()
	d.OnNewMessage(func(context.Context, tg.Entities, *tg.UpdateNewMessage) error { return nil })
	updateHandler := updates.New(updates.Config{Handler: d}) //nolint:exhaustruct

	client := telegram.NewClient(
		appID,
		appHash,
		//nolint:exhaustruct
		telegram.Options{
			SessionStorage: &session.FileStorage{Path: filepath.Join(cfg.CredsDir, "session.json")},
			UpdateHandler:  updateHandler,
			MaxRetries:     -1,
			AckBatchSize:   100,
			AckInterval:    10 * time.Second,
			RetryInterval:  5 * time.Second,
			DialTimeout:    10 * time.Second,
			Device:         tgutil.Device,
			Middlewares:    tgutil.DefaultMiddlewares(ctx),
		},
	)
	logger.Debug().Msg("Telegram client initialized.")

	clientCtx, cancel := ctxutil.WithDelayedTimeout(ctx, 5*time.Second)
	defer cancel()

	// The closure deliberately ignores the client-provided context and keeps
	// using the signal context, while the client itself runs on clientCtx.
	// Outgoing Telegram messages then get a short grace window after shutdown
	// starts before their context dies too.
	return client.Run(clientCtx, func(_ context.Context) error {
		status, err := client.Auth().Status(ctx)
		if nil != err {
			if errors.Is(ctx.Err(), context.Canceled) {
				return context.Canceled
			}
			return fmt.Errorf("failed to get Telegram client auth status: %v", err)
		}
		if !status.Authorized {
			if _, authErr := client.Auth().Bot(ctx, botToken); nil != authErr {
				if errors.Is(ctx.Err(), context.Canceled) {
					return context.Canceled
				}
				return fmt.Errorf("failed to authorize Telegram bot: %v", authErr)
			}
			logger.Debug().Msg("Telegram client authorized.")
		} else {
			logger.Debug().Msg("Telegram client has already been authorized.")
		}

		pool := dcpool.NewPool(client, 8, tgutil.DefaultMiddlewares(ctx)...)
		defer func() {
			if closeErr := pool.Close(); nil != closeErr {
				logger.Error().Err(closeErr).Msg("Failed to close DC pool")
			}
		}()

		waitq := waitqueue.New(ctx)
		defer waitq.Close()

		w := &Worker{
			sender: message.NewSender(tg.NewClient(client)),
			controller: task.NewController(
				resolver,
				source.NewFetcher(pool),
				driveSvc,
				cfg.ScratchDir,
				logger.With().Str("module", "task").Logger(),
			),
			users:   users,
			monitor: mon,
			drive:   driveSvc,
			authMan: authMan,
			pool:    pool,
			waitq:   waitq,
			limits:  ratelimit.NewCommandLimiter(),
			logger:  logger.With().Str("module", "worker").Logger(),
		}

		d.OnNewMessage(buildOnMessage(w, clientCtx))

		mon.Info("bot started")
		logger.Info().Msg("Bot is running")
		<-ctx.Done()

		logger.Debug().Msg("Stopping bot due to received signal")
		mon.Info("bot shutting down")
		return nil
	})
}
