package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/elldeeone/rnd-digest/internal/chat"
	"github.com/elldeeone/rnd-digest/internal/commands"
	"github.com/elldeeone/rnd-digest/internal/config"
	"github.com/elldeeone/rnd-digest/internal/gateway"
	"github.com/elldeeone/rnd-digest/internal/importer"
	"github.com/elldeeone/rnd-digest/internal/logging"
	"github.com/elldeeone/rnd-digest/internal/store"
)

// GatewayFactory creates the gateway for one command (allows mocking)
type GatewayFactory func(cfg *config.Config) (*gateway.Gateway, error)

var newGateway GatewayFactory = gateway.New

var rootCmd = &cobra.Command{
	Use:          "rnddigest",
	Short:        "rnddigest - topic rollups and daily digests for a Telegram forum chat",
	SilenceUsage: true,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the bot (polling + scheduled digests + commands)",
	RunE:  runGateway,
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Build a digest now and print it, or post it with --send",
	Args:  cobra.NoArgs,
	RunE:  runDigest,
}

var rollupCmd = &cobra.Command{
	Use:   "rollup <thread_id|none> [6h|2d|all|rebuild]",
	Short: "Update the rolling summary of one topic",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRollup,
}

var importCmd = &cobra.Command{
	Use:   "import [export.json...]",
	Short: "Import a Telegram Desktop JSON export into the database",
	RunE:  runImport,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and .env template",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show rnddigest status",
	RunE:  runStatus,
}

var (
	sinceFlag   string
	sendFlag    bool
	advanceFlag bool

	importChatFlag int64
	importPathFlag []string
	importNameFlag string
)

func init() {
	digestCmd.Flags().StringVar(&sinceFlag, "since", "", "Window length (e.g. 6h, 2d); default is since the last digest")
	digestCmd.Flags().BoolVar(&sendFlag, "send", false, "Post the digest to the control chats")
	digestCmd.Flags().BoolVar(&advanceFlag, "advance", false, "Move the last-digest boundary to now")
	importCmd.Flags().Int64Var(&importChatFlag, "chat-id", 0, "Chat id to store the messages under; default is SOURCE_CHAT_ID")
	importCmd.Flags().StringSliceVar(&importPathFlag, "path", nil, "Export file (repeatable)")
	importCmd.Flags().StringVar(&importNameFlag, "export-chat-name", "", "Chat to pick from a full-account export")
	rootCmd.AddCommand(gatewayCmd, digestCmd, rollupCmd, importCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.LogLevel)
	return cfg, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	gw, err := newGateway(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

func runDigest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Telegram.SourceChatID == 0 {
		return fmt.Errorf("source chat not set. Set SOURCE_CHAT_ID")
	}
	span, err := parseSince(sinceFlag)
	if err != nil {
		return err
	}

	gw, err := newGateway(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if sendFlag {
		req := commands.DigestRequest{Span: span, Advance: advanceFlag || span == 0}
		if err := gw.DeliverDigest(ctx, req); err != nil {
			return fmt.Errorf("deliver digest: %w", err)
		}
		fmt.Fprintln(out, "Digest sent.")
		return nil
	}

	start, end := gw.DigestWindow(ctx, span)
	res, err := gw.BuildDigest(ctx, start, end, false)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, res.Text)
	return nil
}

func parseSince(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := chat.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	return d, nil
}

func runRollup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Telegram.SourceChatID == 0 {
		return fmt.Errorf("source chat not set. Set SOURCE_CHAT_ID")
	}

	gw, err := newGateway(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	text, _ := gw.Command(context.Background(), "/rollup "+strings.Join(args, " "))
	fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	chatID := importChatFlag
	if chatID == 0 {
		chatID = cfg.Telegram.SourceChatID
	}
	if chatID == 0 {
		return fmt.Errorf("chat not set. Pass --chat-id or set SOURCE_CHAT_ID")
	}
	paths := append(append([]string{}, importPathFlag...), args...)
	if len(paths) == 0 {
		return fmt.Errorf("no export given. Pass --path result.json")
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = config.DefaultDBPath()
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := importer.ImportFiles(ctx, st, chatID, paths, importNameFlag, time.Now().UTC(), nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d messages (%d skipped) into chat %d.\n", res.Inserted, res.Skipped, chatID)
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	envPath := filepath.Join(cfgDir, ".env")
	if writeIfNotExists(envPath, defaultEnv) {
		fmt.Fprintf(out, "  Created: %s\n", envPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Set TELEGRAM_BOT_TOKEN and SOURCE_CHAT_ID in %s\n", envPath)
	fmt.Fprintln(out, "  2. Add your chat to CONTROL_CHAT_IDS to receive digests and use commands")
	fmt.Fprintln(out, "  3. Run 'rnddigest gateway'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	if cfg.Telegram.Token != "" {
		fmt.Fprintln(out, "Telegram token: set")
	} else {
		fmt.Fprintln(out, "Telegram token: not set")
	}
	fmt.Fprintf(out, "Source chat: %d\n", cfg.Telegram.SourceChatID)
	fmt.Fprintf(out, "Control chats: %v\n", cfg.Telegram.ControlChatIDs)
	fmt.Fprintf(out, "LLM: %s\n", llmDisplay(cfg.LLM))
	if cfg.Digest.Scheduled {
		fmt.Fprintf(out, "Daily digest: %s %s (%s)\n", cfg.Digest.DailyTime, cfg.Digest.Timezone, cfg.Digest.Mode)
	} else {
		fmt.Fprintln(out, "Daily digest: off")
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = config.DefaultDBPath()
	}
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(out, "Database: not created (%s)\n", dbPath)
		return nil
	}
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(out, "Database: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	stats, err := st.Stats(context.Background())
	if err != nil {
		fmt.Fprintf(out, "Database: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Database: %s\n", dbPath)
	fmt.Fprintf(out, "Messages: %d, topics: %d, rollups: %d, digests: %d\n", stats.Messages, stats.Topics, stats.Rollups, stats.Digests)
	if !stats.LastMessageAt.IsZero() {
		fmt.Fprintf(out, "Last message: %s\n", chat.FormatUTC(stats.LastMessageAt))
	}
	return nil
}

func llmDisplay(c config.LLMConfig) string {
	switch {
	case !c.Enabled:
		return "disabled"
	case c.APIKey == "":
		return "disabled (no API key)"
	}
	return c.Model
}

func writeIfNotExists(path, content string) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.WriteFile(path, []byte(content), 0600) == nil
	}
	return false
}

const defaultEnv = `# rnddigest environment
TELEGRAM_BOT_TOKEN=
SOURCE_CHAT_ID=
CONTROL_CHAT_IDS=
# CONTROL_DIGEST_THREAD_ID=
TZ=Australia/Sydney
DAILY_DIGEST_TIME=09:00
DIGEST_MODE=narrative
LLM_ENABLED=true
OPENROUTER_API_KEY=
# LLM_MODEL=openai/gpt-4o-mini
`
