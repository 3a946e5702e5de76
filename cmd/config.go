package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "alphatest"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage alphatest configuration.

Running bare 'alphatest config' is the same as 'alphatest config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# alphatest configuration
# See: alphatest config show (for effective values and sources)

# State/data directory (default: ~/.config/alphatest)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/alphatest/alphatest.db)
# db_path: {{ .DBPath }}

# Directory for uploaded screenshots
# upload_dir: {{ .UploadDir }}

server:
  port: {{ .Port }}
  # Honour X-Forwarded-For for rate limiting. Only safe behind a proxy
  # that overwrites the header.
  trust_proxy: {{ .TrustProxy }}
  # Include storage error detail in 500 responses
  expose_errors: {{ .ExposeErrors }}
  public_url: "{{ .PublicURL }}"

# GitHub OAuth app (https://github.com/settings/developers)
github:
  client_id: "{{ .GitHubClientID }}"
  client_secret: ""
  # Defaults to <public_url>/github/callback
  redirect_url: "{{ .GitHubRedirectURL }}"

session:
  # Signing key for session cookies. Empty means a random key per run.
  secret: ""

ratelimit:
  window: {{ .RateLimitWindow }}
  max_submissions: {{ .RateLimitMax }}

upload:
  max_bytes: {{ .UploadMaxBytes }}
  allowed_extensions: [{{ .UploadExtensions }}]
`

type configTemplateData struct {
	StateDir          string
	DBPath            string
	UploadDir         string
	Port              int
	TrustProxy        bool
	ExposeErrors      bool
	PublicURL         string
	GitHubClientID    string
	GitHubRedirectURL string
	RateLimitWindow   string
	RateLimitMax      int
	UploadMaxBytes    int64
	UploadExtensions  string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:          viper.GetString("state_dir"),
		DBPath:            viper.GetString("db_path"),
		UploadDir:         viper.GetString("upload_dir"),
		Port:              viper.GetInt("server.port"),
		TrustProxy:        viper.GetBool("server.trust_proxy"),
		ExposeErrors:      viper.GetBool("server.expose_errors"),
		PublicURL:         viper.GetString("server.public_url"),
		GitHubClientID:    viper.GetString("github.client_id"),
		GitHubRedirectURL: viper.GetString("github.redirect_url"),
		RateLimitWindow:   viper.GetDuration("ratelimit.window").String(),
		RateLimitMax:      viper.GetInt("ratelimit.max_submissions"),
		UploadMaxBytes:    viper.GetInt64("upload.max_bytes"),
		UploadExtensions:  strings.Join(viper.GetStringSlice("upload.allowed_extensions"), ", "),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "ALPHATEST_STATE_DIR"},
	{Key: "db_path", EnvVar: "ALPHATEST_DB_PATH"},
	{Key: "upload_dir", EnvVar: "ALPHATEST_UPLOAD_DIR"},
	{Key: "server.port", EnvVar: "ALPHATEST_SERVER_PORT"},
	{Key: "server.trust_proxy", EnvVar: "ALPHATEST_SERVER_TRUST_PROXY"},
	{Key: "server.expose_errors", EnvVar: "ALPHATEST_SERVER_EXPOSE_ERRORS"},
	{Key: "server.shutdown_timeout", EnvVar: "ALPHATEST_SERVER_SHUTDOWN_TIMEOUT"},
	{Key: "server.public_url", EnvVar: "ALPHATEST_SERVER_PUBLIC_URL"},
	{Key: "github.client_id", EnvVar: "ALPHATEST_GITHUB_CLIENT_ID"},
	{Key: "github.client_secret", EnvVar: "ALPHATEST_GITHUB_CLIENT_SECRET", Secret: true},
	{Key: "github.redirect_url", EnvVar: "ALPHATEST_GITHUB_REDIRECT_URL"},
	{Key: "github.api_url", EnvVar: "ALPHATEST_GITHUB_API_URL"},
	{Key: "session.secret", EnvVar: "ALPHATEST_SESSION_SECRET", Secret: true},
	{Key: "session.secure", EnvVar: "ALPHATEST_SESSION_SECURE"},
	{Key: "ratelimit.window", EnvVar: "ALPHATEST_RATELIMIT_WINDOW"},
	{Key: "ratelimit.max_submissions", EnvVar: "ALPHATEST_RATELIMIT_MAX_SUBMISSIONS"},
	{Key: "upload.max_bytes", EnvVar: "ALPHATEST_UPLOAD_MAX_BYTES"},
	{Key: "upload.allowed_extensions", EnvVar: "ALPHATEST_UPLOAD_ALLOWED_EXTENSIONS"},
	{Key: "log.format", EnvVar: "ALPHATEST_LOG_FORMAT"},
	{Key: "log.level", EnvVar: "ALPHATEST_LOG_LEVEL"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret && viper.GetString(k.Key) != "" {
			val = "********"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'alphatest config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
