package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/splax/hostd/pkg/api/client"
	"github.com/splax/hostd/pkg/crypto"
)

const requestTimeout = 15 * time.Second

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

// clientOptions are the persistent flags shared by the client commands.
type clientOptions struct {
	api   string
	token string
}

// client builds an API client from flags, falling back to the saved config.
func (o *clientOptions) client() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	base := cfg.APIBaseURL
	if strings.TrimSpace(o.api) != "" {
		base = o.api
	}
	token := cfg.AccessToken
	if strings.TrimSpace(o.token) != "" {
		token = o.token
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("please login first using 'hostd login'")
	}
	return apiclient.New(base, apiclient.WithToken(token))
}

func newLoginCommand(opts *clientOptions) *cobra.Command {
	var (
		password string
		projects []string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange the operator password for a token and save it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := strings.TrimSpace(password)
			if secret == "" {
				read, err := readSecret(cmd, "Password: ")
				if err != nil {
					return err
				}
				secret = read
			}

			cfg, _ := loadConfig()
			if strings.TrimSpace(opts.api) != "" {
				cfg.APIBaseURL = opts.api
			}
			client, err := apiclient.New(cfg.APIBaseURL)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			tok, err := client.Login(ctx, secret, projects)
			if err != nil {
				return err
			}
			cfg.AccessToken = tok.Token
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "login successful, token expires %s\n", tok.ExpiresAt)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password (supply to avoid prompt)")
	cmd.Flags().StringSliceVar(&projects, "project", nil, "limit the token to these project IDs (repeatable)")
	return cmd
}

func newHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for ADMIN_PASSWORD_HASH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := readSecret(cmd, "Password: ")
			if err != nil {
				return err
			}
			if secret == "" {
				return errors.New("password cannot be empty")
			}
			hash, err := crypto.HashPassword(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		secret, err := term.ReadPassword(fd)
		fmt.Fprint(cmd.ErrOrStderr(), "\n")
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimSpace(string(secret)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: apiclient.DefaultBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = apiclient.DefaultBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if override := strings.TrimSpace(os.Getenv("HOSTD_CLI_CONFIG")); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "hostd", "config.json"), nil
}
