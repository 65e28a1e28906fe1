package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkdust2021/redactpii"
	"github.com/inkdust2021/redactpii/internal/cert"
	"github.com/inkdust2021/redactpii/internal/config"
	"github.com/inkdust2021/redactpii/internal/gateway"
	"github.com/inkdust2021/redactpii/internal/log"
	"github.com/inkdust2021/redactpii/internal/version"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "redactpii",
	Short: "Redact PII from text, JSON, and outbound API traffic",
	Long: `redactpii detects and redacts personally identifiable information
(credit cards, SSNs, emails, phone numbers, names) in text and JSON.

It can run as a one-shot CLI filter or as a local MITM gateway that
redacts request bodies before they reach upstream LLM APIs.`,
	RunE: func(cmd *cobra.Command, args []string) error { return cmd.Help() },
}

var redactCmd = &cobra.Command{
	Use:   "redact [text]",
	Short: "Redact PII from text (argument or stdin)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRedact,
}

var checkCmd = &cobra.Command{
	Use:   "check [text]",
	Short: "Exit non-zero when the text contains PII",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

var objectCmd = &cobra.Command{
	Use:   "object <file.json>",
	Short: "Redact string values in a JSON document",
	Args:  cobra.ExactArgs(1),
	RunE:  runObject,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the redacting MITM gateway in the foreground",
	RunE:  runGateway,
}

var testCmd = &cobra.Command{
	Use:   "test <pattern> <text>",
	Short: "Try a custom regex rule against sample text",
	Args:  cobra.ExactArgs(2),
	RunE:  runTest,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the built-in rule categories",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range redactpii.BuiltinCategories() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Print the gateway CA certificate in PEM form",
	Long: `Prints the MITM CA certificate used by the gateway, generating it
first if it does not exist yet. Pipe the output into your client's trust
store to avoid TLS warnings when proxying through the gateway.`,
	RunE: runCA,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("redactpii %s\n", version.Version)
		fmt.Printf("  Git commit: %s\n", version.GitCommit)
		fmt.Printf("  Build date: %s\n", version.BuildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ~/.redactpii/config.yaml)")

	rootCmd.AddCommand(redactCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(objectCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Manager, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 配置了口令时启用敏感值落盘加解密；随后重载以解密已落盘的密文。
	if passphrase := strings.TrimSpace(os.Getenv("REDACTPII_PATTERN_KEY")); passphrase != "" {
		key, err := config.DeriveSecretKey(passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to derive secret key: %w", err)
		}
		if err := cfg.SetSecretEncryptionKey(key); err != nil {
			return nil, fmt.Errorf("failed to configure secret encryption: %w", err)
		}
		if err := cfg.Load(); err != nil {
			return nil, fmt.Errorf("failed to reload config with secret decryption: %w", err)
		}
	}

	return cfg, nil
}

func redactorFromConfig(c config.Config) (*redactpii.Redactor, error) {
	customRules := make([]redactpii.CustomRule, 0, len(c.CustomRules))
	for _, cr := range c.CustomRules {
		customRules = append(customRules, redactpii.CustomRule{
			Pattern: cr.Pattern,
			Label:   cr.Label,
		})
	}
	return redactpii.New(redactpii.Options{
		Rules:             c.Rules,
		CustomRules:       customRules,
		GlobalReplaceWith: c.GlobalReplaceWith,
		APIKey:            c.Dashboard.APIKey,
		APIURL:            c.Dashboard.APIURL,
		FailSilent:        c.Dashboard.FailSilent,
		HookTimeout:       time.Duration(c.Dashboard.HookTimeoutMS) * time.Millisecond,
		MaxDepth:          c.Redact.MaxDepth,
	})
}

func inputText(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}

func runRedact(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = cfg.Close() }()

	r, err := redactorFromConfig(cfg.Get())
	if err != nil {
		return err
	}

	text, err := inputText(args)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), r.Redact(text))
	if len(args) == 1 {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = cfg.Close() }()

	r, err := redactorFromConfig(cfg.Get())
	if err != nil {
		return err
	}

	text, err := inputText(args)
	if err != nil {
		return err
	}
	if r.HasPII(text) {
		fmt.Fprintln(cmd.OutOrStdout(), "PII detected")
		os.Exit(1)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "no PII detected")
	return nil
}

func runObject(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = cfg.Close() }()

	r, err := redactorFromConfig(cfg.Get())
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	var v any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}

	out, err := r.RedactObject(v)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runTest(cmd *cobra.Command, args []string) error {
	pattern := args[0]
	text := args[1]

	r, err := redactpii.New(redactpii.Options{
		Rules: map[string]bool{
			"CREDIT_CARD": false, "SSN": false, "EMAIL": false, "PHONE": false, "NAME": false,
		},
		CustomRules: []redactpii.CustomRule{{Pattern: pattern, Label: "TEST"}},
	})
	if err != nil {
		return err
	}

	redacted := r.Redact(text)
	fmt.Printf("Original: %s\n", text)
	fmt.Printf("Redacted: %s\n", redacted)
	if redacted == text {
		fmt.Println("Matches:  0")
	} else {
		fmt.Println("Pattern matched")
	}
	return nil
}

func runCA(cmd *cobra.Command, args []string) error {
	dataDir := config.DataDir()
	ca, err := cert.LoadOrGenerateCA(cert.CertPath(dataDir), cert.KeyPath(dataDir))
	if err != nil {
		return fmt.Errorf("failed to load/generate CA: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(ca.GetCertificate())
	return err
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = cfg.Close() }()

	c := cfg.Get()
	if err := log.Setup(c.Log.File, c.Log.Level); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	slog.Info("Starting redactpii gateway", "version", version.Version)

	dataDir := config.DataDir()
	ca, err := cert.LoadOrGenerateCA(cert.CertPath(dataDir), cert.KeyPath(dataDir))
	if err != nil {
		return fmt.Errorf("failed to load/generate CA: %w", err)
	}

	srv, err := gateway.NewServer(cfg, ca)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	// 启用配置热更新：规则或目标域名变更后无需重启即可生效。
	if err := cfg.Watch(srv.ReloadFromConfig); err != nil {
		slog.Warn("Failed to enable config hot-reload; restart may be required after config changes", "error", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig)
	}
	return nil
}
