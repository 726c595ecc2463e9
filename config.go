package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sandeepkandula/treesync/sync"
)

var (
	home, _           = os.UserHomeDir()
	defaultConfigDir  = filepath.Join(home, ".config", "treesync")
	defaultConfigName = "config"
)

// Config is the fully resolved set of run settings.
type Config struct {
	Path string // config file used, if any

	Src    string
	Bucket string
	Root   string

	Concurrency  int
	Compare      string
	Delete       bool
	DeleteOnly   bool
	DryRun       bool
	Exclude      []string
	StorageClass string

	Region    string
	Endpoint  string
	Profile   string
	AccessKey string
	SecretKey string

	LogLevel string
}

// Validate checks the settings before anything touches the network.
func (c *Config) Validate() error {
	if c.Src == "" {
		return errors.New("local directory is required")
	}
	if c.Bucket == "" {
		return errors.New("destination bucket is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if _, err := sync.ParseStrategy(c.Compare); err != nil {
		return err
	}
	if !slices.Contains(types.StorageClass("").Values(), types.StorageClass(c.StorageClass)) {
		return fmt.Errorf("unknown storage class %q", c.StorageClass)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("access_key and secret_key must be set together")
	}
	return nil
}

// parseDestination splits s3://bucket/some/root into its bucket and root.
func parseDestination(s string) (bucket, root string, err error) {
	rest, ok := strings.CutPrefix(s, "s3://")
	if !ok {
		return "", "", fmt.Errorf("destination %q must look like s3://bucket[/root]", s)
	}
	bucket, root, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("destination %q has no bucket", s)
	}
	return bucket, strings.Trim(root, "/"), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// loadConfig resolves flags, TREESYNC_* environment variables and the config
// file, in that order of precedence.
func loadConfig(cmd *cobra.Command, args []string) (*Config, error) {
	v := viper.New()

	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		v.SetConfigFile(configFilePath)
	} else {
		v.AddConfigPath(defaultConfigDir)
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	for key, flag := range map[string]string{
		"concurrency":   "concurrency",
		"delete":        "delete",
		"delete_only":   "just-delete",
		"compare":       "compare",
		"md5":           "md5",
		"dry_run":       "dry-run",
		"exclude":       "exclude",
		"storage_class": "storage-class",
		"region":        "region",
		"endpoint":      "endpoint",
		"profile":       "profile",
		"log_level":     "log-level",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix("TREESYNC")
	v.AutomaticEnv()

	cfg := &Config{
		Path:         v.ConfigFileUsed(),
		Concurrency:  v.GetInt("concurrency"),
		Compare:      v.GetString("compare"),
		Delete:       v.GetBool("delete"),
		DeleteOnly:   v.GetBool("delete_only"),
		DryRun:       v.GetBool("dry_run"),
		Exclude:      v.GetStringSlice("exclude"),
		StorageClass: strings.ToUpper(v.GetString("storage_class")),
		Region:       v.GetString("region"),
		Endpoint:     v.GetString("endpoint"),
		Profile:      v.GetString("profile"),
		AccessKey:    v.GetString("access_key"),
		SecretKey:    v.GetString("secret_key"),
		LogLevel:     v.GetString("log_level"),
	}
	if v.GetBool("md5") {
		cfg.Compare = sync.HashStrategy.String()
	}

	if len(args) > 0 {
		cfg.Src = args[0]
	}
	if len(args) > 1 {
		bucket, root, err := parseDestination(args[1])
		if err != nil {
			return nil, err
		}
		cfg.Bucket, cfg.Root = bucket, root
	}
	return cfg, nil
}

// newS3Client builds a client from the SDK default chain, overridden by any
// explicit settings in c.
func newS3Client(ctx context.Context, c *Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.Region)}
	if c.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.Profile))
	}
	if c.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			// S3-compatible stores rarely support virtual-hosted buckets
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
