package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/spotbot-io/spotbot/pkg/client"
	"golang.org/x/sync/errgroup"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	apiKey    string
	cfgFile   string
	credsPath string
	insecure  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "spotbot",
	Short: "SpotBot CLI",
	Long: `spotbot is the command-line interface for a SpotBot server.

It checks addresses for bot activity, submits bot reports, and shows
report statistics.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.spotbot")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("spotbot")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if apiKey == "" {
			apiKey = viper.GetString("api_key")
		}
		if credsPath == "" {
			credsPath, _ = client.DefaultCredentialsPath()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.spotbot/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "SpotBot server URL (default http://localhost:3000)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for report submission (or SPOTBOT_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&credsPath, "credentials", "", "credentials file written by 'spotbot login'")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification (development only)")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient builds a client from flags, config, and saved credentials.
// An explicit --api-key wins over a saved session token.
func newClient() (*client.Client, error) {
	creds, err := client.LoadCredentials(credsPath)
	if err != nil {
		return nil, err
	}
	base := serverURL
	if base == "" {
		base = creds.Server
	}
	if base == "" {
		base = "http://localhost:3000"
	}
	serverURL = base

	var opts []client.Option
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	if apiKey != "" {
		opts = append(opts, client.WithAPIKey(apiKey))
	} else {
		opts = append(opts, creds.Options()...)
	}
	return client.New(base, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── check ────────────────────────────────────────────────────────────────────

type checkRow struct {
	ip      string
	verdict *client.Verdict
	err     error
}

var checkFormat string

var checkCmd = &cobra.Command{
	Use:   "check <ip> [ip] ...",
	Short: "Check one or more IP addresses for bot activity",
	Long: `Check returns the bot verdict for each address.

Multiple addresses are checked concurrently and displayed as a table:

  spotbot check 203.0.113.7 198.51.100.1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkFormat, "format", "text", "Output format: text or json")
}

func runCheck(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	rows := make([]checkRow, len(args))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(8)
	for i, ip := range args {
		g.Go(func() error {
			v, err := c.Check(ctx, ip)
			rows[i] = checkRow{ip: ip, verdict: v, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if checkFormat == "json" {
		return printCheckJSON(rows)
	}
	return printCheckText(rows)
}

func printCheckJSON(rows []checkRow) error {
	type jsonRow struct {
		*client.Verdict
		IP    string `json:"ip"`
		Error string `json:"error,omitempty"`
	}
	out := make([]jsonRow, len(rows))
	for i, r := range rows {
		out[i] = jsonRow{Verdict: r.verdict, IP: r.ip}
		if r.err != nil {
			out[i].Error = r.err.Error()
		}
	}
	var v any = out
	if len(out) == 1 {
		v = out[0]
	}
	return printJSON(v)
}

func printCheckText(rows []checkRow) error {
	if len(rows) == 1 {
		r := rows[0]
		if r.err != nil {
			return fmt.Errorf("check %q: %w", r.ip, r.err)
		}
		v := r.verdict
		fmt.Printf("IP:          %s\n", v.IP)
		fmt.Printf("Bot:         %t\n", v.IsBot)
		fmt.Printf("Confidence:  %d\n", v.Confidence)
		fmt.Printf("Reports:     %d\n", v.ReportCount)
		if v.LastSeen != nil {
			fmt.Printf("Last Seen:   %s\n", v.LastSeen.Format(time.RFC3339))
		}
		if len(v.CommonBotTypes) > 0 {
			types := make([]string, len(v.CommonBotTypes))
			for i, t := range v.CommonBotTypes {
				types[i] = fmt.Sprintf("%s (%d)", t.Type, t.Count)
			}
			fmt.Printf("Bot Types:   %s\n", strings.Join(types, ", "))
		}
		if v.IsWhitelisted && v.WhitelistInfo != nil {
			fmt.Printf("Allowlisted: %s\n", v.WhitelistInfo.Organization)
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IP\tBOT\tCONFIDENCE\tREPORTS\tALLOWLISTED\tERROR")
	for _, r := range rows {
		if r.err != nil {
			fmt.Fprintf(w, "%s\t\t\t\t\t%s\n", r.ip, r.err.Error())
			continue
		}
		v := r.verdict
		fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%t\t\n", v.IP, v.IsBot, v.Confidence, v.ReportCount, v.IsWhitelisted)
	}
	return w.Flush()
}

// ── report ───────────────────────────────────────────────────────────────────

var (
	repBotType    string
	repConfidence int
	repUserAgent  string
	repURL        string
	repMethod     string
	repEvidence   string
)

var reportCmd = &cobra.Command{
	Use:   "report <ip>",
	Short: "Submit a bot report for an IP address",
	Long: `Report submits a bot sighting. Requires an API key or a saved login.

  spotbot report 203.0.113.7 --type scraper \
    --evidence '{"requestFrequency": 42, "requestPattern": "sequential"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&repBotType, "type", "", "Bot type (scraper, crawler, spam, ddos, credential_stuffing, other)")
	reportCmd.Flags().IntVar(&repConfidence, "confidence", -1, "Reporter confidence 0-100 (server default 50)")
	reportCmd.Flags().StringVar(&repUserAgent, "user-agent", "", "Observed User-Agent")
	reportCmd.Flags().StringVar(&repURL, "url", "", "Requested URL")
	reportCmd.Flags().StringVar(&repMethod, "method", "", "HTTP method")
	reportCmd.Flags().StringVar(&repEvidence, "evidence", "", "Evidence as a JSON object")
}

func runReport(cmd *cobra.Command, args []string) error {
	req := client.ReportRequest{
		IPAddress:     args[0],
		BotType:       repBotType,
		UserAgent:     repUserAgent,
		RequestURL:    repURL,
		RequestMethod: repMethod,
	}
	if repConfidence >= 0 {
		req.ConfidenceScore = &repConfidence
	}
	if repEvidence != "" {
		if err := json.Unmarshal([]byte(repEvidence), &req.EvidenceData); err != nil {
			return fmt.Errorf("--evidence must be a JSON object: %w", err)
		}
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.Report(cmd.Context(), req)
	if err != nil {
		return err
	}

	fmt.Printf("Report ID:      %s\n", res.Report.ID)
	fmt.Printf("Status:         %s\n", res.Report.Status)
	fmt.Printf("Behavior Score: %d (%s)\n", res.BehaviorScore, res.Severity)
	for _, f := range res.Findings {
		fmt.Printf("  +%-3d %s\n", f.Points, f.Description)
	}
	return nil
}

// ── stats ────────────────────────────────────────────────────────────────────

var (
	statsPeriod string
	statsFormat string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show report statistics for a period",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.Stats(cmd.Context(), statsPeriod)
		if err != nil {
			return err
		}
		if statsFormat == "json" {
			return printJSON(st)
		}

		fmt.Printf("Period:             %s\n", st.Period)
		fmt.Printf("Total Reports:      %d\n", st.TotalReports)
		fmt.Printf("Unique IPs:         %d\n", st.UniqueIPs)
		fmt.Printf("Average Confidence: %d\n", st.AverageConfidence)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		if len(st.BotTypeDistribution) > 0 {
			fmt.Fprintln(w, "\nBOT TYPE\tCOUNT")
			for _, t := range st.BotTypeDistribution {
				fmt.Fprintf(w, "%s\t%d\n", t.Type, t.Count)
			}
		}
		if len(st.TopCountries) > 0 {
			fmt.Fprintln(w, "\nCOUNTRY\tCOUNT")
			for _, cc := range st.TopCountries {
				fmt.Fprintf(w, "%s\t%d\n", cc.Country, cc.Count)
			}
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsPeriod, "period", "24h", "Period: 1h, 24h, 7d, or 30d")
	statsCmd.Flags().StringVar(&statsFormat, "format", "text", "Output format: text or json")
}

// ── login ────────────────────────────────────────────────────────────────────

var (
	loginEmail    string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and save credentials for later commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginEmail == "" {
			return errors.New("--email is required")
		}
		if loginPassword == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			loginPassword = strings.TrimRight(line, "\r\n")
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		token, key, err := c.Login(ctx, loginEmail, loginPassword)
		if err != nil {
			return err
		}

		creds := &client.Credentials{Server: serverURL, APIKey: key, Token: token}
		if err := creds.Save(credsPath); err != nil {
			return err
		}
		fmt.Printf("Logged in as %s. Credentials saved to %s\n", loginEmail, credsPath)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (prompted when empty)")
}

// ── health ───────────────────────────────────────────────────────────────────

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		status, err := c.Health(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the spotbot CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("spotbot %s\n", version)
	},
}
