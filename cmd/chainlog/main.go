package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/chainlog-io/chainlog/internal/custody/service"
	"github.com/chainlog-io/chainlog/internal/keyring"
	"github.com/chainlog-io/chainlog/internal/ledger"
	"github.com/chainlog-io/chainlog/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile     string
	serverURL   string
	authToken   string
	insecureTLS bool
	ledgerPath  string
	keysDir     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chainlog",
	Short: "ChainLog custody ledger CLI",
	Long: `chainlog is the command-line interface for the ChainLog custody ledger.

It appends entries to a hash-chained JSONL ledger, verifies chain
integrity, and exports Ed25519-signed snapshots. Commands operate on
local files by default; pass --server to work against a running
chainlogd instead.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".chainlog"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if authToken == "" {
			authToken = viper.GetString("token")
		}
		if ledgerPath == "" {
			ledgerPath = viper.GetString("ledger.path")
		}
		if ledgerPath == "" {
			ledgerPath = "data/ledger.jsonl"
		}
		if keysDir == "" {
			keysDir = viper.GetString("keys.dir")
		}
		if keysDir == "" {
			keysDir = "keys"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.chainlog/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "chainlogd base URL; empty = operate on local files")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token for --server mode")
	rootCmd.PersistentFlags().BoolVar(&insecureTLS, "insecure", false, "Skip TLS certificate verification (development only)")
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "Ledger file path (default data/ledger.jsonl)")
	rootCmd.PersistentFlags().StringVar(&keysDir, "keys-dir", "", "Keyring directory (default keys)")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

func remote() bool { return serverURL != "" }

func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if authToken != "" {
		opts = append(opts, client.WithBearerToken(authToken))
	}
	if insecureTLS {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	return client.New(serverURL, opts...)
}

// localService builds a custody service over the local ledger file with
// the keyring attached.
func localService() *service.Custody {
	svc := service.New(ledger.New(ledgerPath), zap.NewNop())
	svc.SetKeyring(keyring.NewManager(keysDir))
	return svc
}

func formatTimestamp(ts float64) string {
	return time.Unix(0, int64(ts*1e9)).UTC().Format(time.RFC3339)
}

// compactPayload renders a payload on one line, truncated for table use.
func compactPayload(payload any, max int) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	s := string(b)
	if len(s) > max {
		s = s[:max-3] + "..."
	}
	return s
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// ── append ───────────────────────────────────────────────────────────────────

var appendCmd = &cobra.Command{
	Use:   "append <json-payload | ->",
	Short: "Append an entry to the custody ledger",
	Long: `append records one payload as the next hash-chained entry.

The argument is parsed as JSON; anything that does not parse is recorded
as a plain string. Pass "-" to read the payload from stdin:

  chainlog append '{"source":"deploy","message":"v1.4.2 released"}'
  cat event.json | chainlog append -`,
	Args: cobra.ExactArgs(1),
	RunE: runAppend,
}

func runAppend(cmd *cobra.Command, args []string) error {
	raw := args[0]
	if raw == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		raw = string(data)
	}

	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		payload = strings.TrimRight(raw, "\r\n")
	}

	ctx := context.Background()

	var ts float64
	var selfHash string
	if remote() {
		c, err := newClient()
		if err != nil {
			return err
		}
		entry, err := c.Append(ctx, payload)
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}
		ts, selfHash = entry.Timestamp, entry.SelfHash
	} else {
		entry, err := ledger.New(ledgerPath).Append(ctx, payload)
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}
		ts, selfHash = entry.Timestamp, entry.SelfHash
	}

	fmt.Printf("✓ Entry appended\n\n")
	fmt.Printf("  Hash: %s\n", selfHash)
	fmt.Printf("  Time: %s\n", formatTimestamp(ts))
	return nil
}

// ── list ─────────────────────────────────────────────────────────────────────

var (
	listLimit  int
	listOffset int
	listFormat string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger entries in chain order",
	RunE:  runList,
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum entries to show; 0 = all")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Entries to skip from the start of the chain")
	listCmd.Flags().StringVar(&listFormat, "format", "text", "Output format: text or json")
}

type entryRow struct {
	idx      int
	ts       float64
	selfHash string
	payload  any
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var rows []entryRow
	var total int
	var raw any

	if remote() {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, n, err := c.Entries(ctx, listLimit, listOffset)
		if err != nil {
			return fmt.Errorf("list entries: %w", err)
		}
		total = n
		raw = entries
		for i, e := range entries {
			rows = append(rows, entryRow{listOffset + i, e.Timestamp, e.SelfHash, e.Payload})
		}
	} else {
		entries, n, err := localService().History(ctx, listLimit, listOffset)
		if err != nil {
			return fmt.Errorf("list entries: %w", err)
		}
		total = n
		raw = entries
		for i, e := range entries {
			rows = append(rows, entryRow{listOffset + i, e.Timestamp, e.SelfHash, e.Payload})
		}
	}

	if listFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(raw)
	}

	if len(rows) == 0 {
		fmt.Println("Ledger is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDX\tTIME\tHASH\tPAYLOAD")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			r.idx, formatTimestamp(r.ts), shortHash(r.selfHash), compactPayload(r.payload, 48))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d of %d entries\n", len(rows), total)
	return nil
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of the full hash chain",
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var valid bool
	var entries int
	var root, reason string
	var firstInvalid *int

	if remote() {
		c, err := newClient()
		if err != nil {
			return err
		}
		result, err := c.Verify(ctx)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		valid, entries, root, reason, firstInvalid =
			result.Valid, result.Entries, result.Root, result.Reason, result.FirstInvalid
	} else {
		report, err := ledger.New(ledgerPath).Audit(ctx)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		valid, entries, root, reason, firstInvalid =
			report.Valid, report.Entries, report.Root, report.Reason, report.FirstInvalid
	}

	if !valid {
		if firstInvalid != nil {
			return fmt.Errorf("chain INVALID at entry %d: %s", *firstInvalid, reason)
		}
		return fmt.Errorf("chain INVALID: %s", reason)
	}

	fmt.Printf("✓ Chain valid\n\n")
	fmt.Printf("  Entries: %d\n", entries)
	if root != "" {
		fmt.Printf("  Root:    %s\n", root)
	}
	return nil
}

// ── export ───────────────────────────────────────────────────────────────────

var (
	exportOut     string
	exportKeyName string
	exportKeyHex  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an Ed25519-signed snapshot of the full chain",
	Long: `export writes a pretty-printed snapshot of every entry plus a
detached signature file next to it.

The snapshot is signed with --key-name (a keyring key), --key-hex (raw
seed material), or a one-off ephemeral keypair when neither is given:

  chainlog export --key-name audit --out snapshots/q3.json`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Snapshot output path (default snapshots/snapshot-<ts>.json)")
	exportCmd.Flags().StringVar(&exportKeyName, "key-name", "", "Keyring key to sign with")
	exportCmd.Flags().StringVar(&exportKeyHex, "key-hex", "", "Ed25519 seed as 64 hex chars; overrides the keyring")
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var res *service.ExportResult
	if remote() {
		c, err := newClient()
		if err != nil {
			return err
		}
		r, err := c.Export(ctx, client.ExportRequest{
			OutputPath: exportOut,
			KeyName:    exportKeyName,
			KeyHex:     exportKeyHex,
		})
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		res = &service.ExportResult{
			SnapshotPath:  r.SnapshotPath,
			SignaturePath: r.SignaturePath,
			PubHex:        r.PubHex,
			Entries:       r.Entries,
		}
	} else {
		r, err := localService().Export(ctx, exportOut, exportKeyName, exportKeyHex)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		res = r
	}

	fmt.Printf("✓ Snapshot exported\n\n")
	fmt.Printf("  Snapshot:   %s\n", res.SnapshotPath)
	fmt.Printf("  Signature:  %s\n", res.SignaturePath)
	fmt.Printf("  Public key: %s\n", res.PubHex)
	fmt.Printf("  Entries:    %d\n\n", res.Entries)
	fmt.Printf("Verify later with:\n  chainlog snapshot verify %s\n", res.SnapshotPath)
	return nil
}

// ── snapshot ─────────────────────────────────────────────────────────────────

var snapshotSigPath string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Work with exported snapshot files",
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify <snapshot.json>",
	Short: "Check a snapshot file against its detached signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snapPath := args[0]
		sigPath := snapshotSigPath
		if sigPath == "" {
			sigPath = snapPath + ".sig"
		}

		if err := ledger.VerifySnapshot(snapPath, sigPath); err != nil {
			return fmt.Errorf("snapshot verification FAILED: %w", err)
		}

		fmt.Printf("✓ Snapshot signature valid\n\n")
		fmt.Printf("  Snapshot:  %s\n", snapPath)
		fmt.Printf("  Signature: %s\n", sigPath)
		return nil
	},
}

func init() {
	snapshotVerifyCmd.Flags().StringVar(&snapshotSigPath, "sig", "", "Signature file path (default <snapshot>.sig)")
	snapshotCmd.AddCommand(snapshotVerifyCmd)
}

// ── keys ─────────────────────────────────────────────────────────────────────

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage Ed25519 signing keypairs",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate <name>",
	Short: "Generate a new named keypair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		kp, err := keyring.NewManager(keysDir).Generate(name)
		if err != nil {
			return fmt.Errorf("generate keypair: %w", err)
		}

		fmt.Printf("✓ Keypair generated\n\n")
		fmt.Printf("  Name:       %s\n", kp.Name)
		fmt.Printf("  Public key: %s\n", kp.PublicHex)
		fmt.Printf("  File:       %s\n", filepath.Join(keysDir, name+".json"))
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keypairs in the keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		infos, err := keyring.NewManager(keysDir).List()
		if err != nil {
			return fmt.Errorf("list keys: %w", err)
		}
		if len(infos) == 0 {
			fmt.Println("Keyring is empty. Generate a key with: chainlog keys generate <name>")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCREATED\tPUBLIC KEY")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				info.Name, info.CreatedAt.UTC().Format(time.RFC3339), info.PublicHex)
		}
		return w.Flush()
	},
}

var keysInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show the public half of a keypair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := keyring.NewManager(keysDir).Load(args[0])
		if err != nil {
			return fmt.Errorf("load keypair: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(kp.Info())
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate <name>",
	Short: "Archive a keypair and generate its replacement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		kp, err := keyring.NewManager(keysDir).Rotate(name)
		if err != nil {
			return fmt.Errorf("rotate keypair: %w", err)
		}

		fmt.Printf("✓ Keypair rotated\n\n")
		fmt.Printf("  Name:           %s\n", kp.Name)
		fmt.Printf("  New public key: %s\n\n", kp.PublicHex)
		fmt.Println("The previous keypair was archived in the keyring; snapshots it signed still verify.")
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysInfoCmd)
	keysCmd.AddCommand(keysRotateCmd)
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenKeyName string
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
	tokenIssuer  string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue bearer tokens for the custody API",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a bearer token signed by a keyring key",
	Long: `issue mints a JWT for the custody API. chainlogd accepts tokens
signed by its service key, so issue against the same keyring:

  chainlog token issue --subject alice --role admin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenRole != keyring.RoleOperator && tokenRole != keyring.RoleAdmin {
			return fmt.Errorf("invalid role %q: use %q or %q", tokenRole, keyring.RoleOperator, keyring.RoleAdmin)
		}

		issuerURL := tokenIssuer
		if issuerURL == "" && serverURL != "" {
			issuerURL = serverURL
		}
		if issuerURL == "" {
			issuerURL = "http://localhost:8080"
		}

		kp, err := keyring.NewManager(keysDir).Load(tokenKeyName)
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		issuer, err := keyring.NewTokenIssuer(kp, issuerURL, tokenTTL)
		if err != nil {
			return fmt.Errorf("build token issuer: %w", err)
		}

		token, err := issuer.Issue(tokenSubject, tokenRole)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenKeyName, "key", "service", "Keyring key that signs the token")
	tokenIssueCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject (who this token identifies)")
	tokenIssueCmd.Flags().StringVar(&tokenRole, "role", keyring.RoleOperator, "Token role: operator or admin")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	tokenIssueCmd.Flags().StringVar(&tokenIssuer, "issuer", "", "Issuer URL embedded in the token (default the server URL)")
	_ = tokenIssueCmd.MarkFlagRequired("subject")

	tokenCmd.AddCommand(tokenIssueCmd)
}

// ── status ───────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the custody ledger and its subsystems",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		if remote() {
			c, err := newClient()
			if err != nil {
				return err
			}
			st, err := c.Status(ctx)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			fmt.Printf("Server:      %s\n", serverURL)
			fmt.Printf("Ledger:      %s\n", st.LedgerPath)
			fmt.Printf("Entries:     %d\n", st.Entries)
			fmt.Printf("Chain valid: %t\n", st.ChainValid)
			if st.Root != "" {
				fmt.Printf("Root:        %s\n", st.Root)
			}
			fmt.Printf("Keys:        %d\n", st.Keys)
			fmt.Printf("Archive:     %t\n", st.Archive)
			fmt.Printf("Webhooks:    %t\n", st.Webhooks)
			return nil
		}

		st, err := localService().Status(ctx)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}

		fmt.Printf("Ledger:      %s\n", st.LedgerPath)
		fmt.Printf("Entries:     %d\n", st.Entries)
		fmt.Printf("Chain valid: %t\n", st.ChainValid)
		if st.Root != "" {
			fmt.Printf("Root:        %s\n", st.Root)
		}
		fmt.Printf("Keys:        %d\n", st.Keys)
		return nil
	},
}

// ── hash-password ────────────────────────────────────────────────────────────

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a password for the metrics endpoint basic auth",
	Long: `hash-password reads a password from stdin and prints its bcrypt
hash. Put the hash in metrics.password_hash (or the
METRICS_PASSWORD_HASH environment variable) to guard /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print("Password: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password := strings.TrimRight(line, "\r\n")
		if password == "" {
			return fmt.Errorf("password is empty")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		fmt.Printf("\n%s\n", hash)
		return nil
	},
}

// ── health ───────────────────────────────────────────────────────────────────

var (
	healthAddr    string
	healthService string
	healthFormat  string
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe chainlogd's gRPC health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := grpc.NewClient(healthAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return fmt.Errorf("connect %s: %w", healthAddr, err)
		}
		defer conn.Close() //nolint:errcheck

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{
			Service: healthService,
		})
		if err != nil {
			return fmt.Errorf("health check: %w", err)
		}

		if healthFormat == "json" {
			out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
			if err != nil {
				return fmt.Errorf("marshal response: %w", err)
			}
			fmt.Println(string(out))
			return nil
		}

		if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
			return fmt.Errorf("%s: %s", healthService, resp.Status)
		}
		fmt.Printf("✓ %s: %s\n", healthService, resp.Status)
		return nil
	},
}

func init() {
	healthCmd.Flags().StringVar(&healthAddr, "grpc-addr", "localhost:9090", "chainlogd gRPC address")
	healthCmd.Flags().StringVar(&healthService, "service", "chainlog.custody", "gRPC health service name")
	healthCmd.Flags().StringVar(&healthFormat, "format", "text", "Output format: text or json")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the chainlog CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chainlog %s\n", version)
	},
}
