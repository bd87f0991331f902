package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding config.yaml.
//
// A .env file next to the root config is loaded into the environment first;
// variables already set in the process environment win. ${VAR} references are
// then interpolated, include files merged, checksums verified and defaults applied.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	if err := loadDotEnv(filepath.Dir(absPath)); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = []string{absPath}

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	if err := verifyAllConfigHashes(cfg.SourceFiles); err != nil {
		return nil, err
	}

	if err := applyConfigDefaults(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverConfigPath finds the config by checking standard locations.
// Priority order: $HOOKRELAY_CONFIG_DIR, ~/.config/hookrelay, /etc/hookrelay, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if dir := os.Getenv("HOOKRELAY_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "hookrelay")
		if _, err := os.Stat(filepath.Join(userConfigDir, "config.yaml")); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/hookrelay"
	if _, err := os.Stat(filepath.Join(systemConfigDir, "config.yaml")); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", errors.New("no config found (checked: $HOOKRELAY_CONFIG_DIR, ~/.config/hookrelay, /etc/hookrelay, ./config.yaml)")
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files in the include tree.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	if err := loadDotEnv(filepath.Dir(absPath)); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = []string{absPath}

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	files := append([]string(nil), cfg.SourceFiles...)
	sort.Strings(files)
	return files, nil
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadDotEnv loads dir/.env when present. godotenv never overrides variables
// that are already set.
func loadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}

		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}

		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}

		visited[absPath] = true
		cfg.SourceFiles = append(cfg.SourceFiles, absPath)

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}

		deepMergeConfig(cfg, includedCfg)

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}

	return nil
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}

	return &cfg, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for non-zero values.
func deepMergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}
	if src.Service.PIDFile != "" {
		dst.Service.PIDFile = src.Service.PIDFile
	}

	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.Secret != "" {
		dst.Secret = src.Secret
	}
	if src.SignatureHeader != "" {
		dst.SignatureHeader = src.SignatureHeader
	}
	if src.MaxBodySize != "" {
		dst.MaxBodySize = src.MaxBodySize
	}
	if src.RateLimitPerMin != 0 {
		dst.RateLimitPerMin = src.RateLimitPerMin
	}
	if src.TrustProxyHeaders {
		dst.TrustProxyHeaders = true
	}

	// Channels are additive; later files override individual keys.
	if len(src.Channels) > 0 {
		if dst.Channels == nil {
			dst.Channels = make(map[string]string, len(src.Channels))
		}
		for path, room := range src.Channels {
			dst.Channels[path] = room
		}
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}
	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}
	if src.TLS.LetsEncrypt {
		dst.TLS.LetsEncrypt = true
	}
	if len(src.TLS.Domains) > 0 {
		dst.TLS.Domains = src.TLS.Domains
	}
	if src.TLS.CacheDir != "" {
		dst.TLS.CacheDir = src.TLS.CacheDir
	}
	if src.TLS.Email != "" {
		dst.TLS.Email = src.TLS.Email
	}

	if src.Matrix.Homeserver != "" {
		dst.Matrix.Homeserver = src.Matrix.Homeserver
	}
	if src.Matrix.User != "" {
		dst.Matrix.User = src.Matrix.User
	}
	if src.Matrix.Password != "" {
		dst.Matrix.Password = src.Matrix.Password
	}
	if src.Matrix.AccessToken != "" {
		dst.Matrix.AccessToken = src.Matrix.AccessToken
	}
	if src.Matrix.DeviceID != "" {
		dst.Matrix.DeviceID = src.Matrix.DeviceID
	}
	if src.Matrix.PlainText {
		dst.Matrix.PlainText = true
	}
	if src.Matrix.Timeout != 0 {
		dst.Matrix.Timeout = src.Matrix.Timeout
	}
	if src.Matrix.DeliveryTimeout != 0 {
		dst.Matrix.DeliveryTimeout = src.Matrix.DeliveryTimeout
	}
	if src.Matrix.JoinCacheTTL != 0 {
		dst.Matrix.JoinCacheTTL = src.Matrix.JoinCacheTTL
	}
}

// applyConfigDefaults fills zero values from Defaults and normalizes channel keys.
func applyConfigDefaults(cfg *Config) error {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Listen == "" {
		cfg.Listen = defaults.Listen
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = defaults.SignatureHeader
	}
	if cfg.RateLimitPerMin == 0 {
		cfg.RateLimitPerMin = defaults.RateLimitPerMin
	}
	if cfg.TLS.CacheDir == "" {
		cfg.TLS.CacheDir = defaults.TLS.CacheDir
	}
	if cfg.Matrix.DeviceID == "" {
		cfg.Matrix.DeviceID = defaults.Matrix.DeviceID
	}
	if cfg.Matrix.Timeout == 0 {
		cfg.Matrix.Timeout = defaults.Matrix.Timeout
	}
	if cfg.Matrix.DeliveryTimeout == 0 {
		cfg.Matrix.DeliveryTimeout = defaults.Matrix.DeliveryTimeout
	}
	if cfg.Matrix.JoinCacheTTL == 0 {
		cfg.Matrix.JoinCacheTTL = defaults.Matrix.JoinCacheTTL
	}
	cfg.Matrix.Homeserver = strings.TrimRight(cfg.Matrix.Homeserver, "/")

	size, err := ParseSize(cfg.MaxBodySize)
	if err != nil {
		return fmt.Errorf("max_body_size %q: %w", cfg.MaxBodySize, err)
	}
	cfg.MaxBodyBytes = size

	channels := make(map[string]string, len(cfg.Channels))
	for path, room := range cfg.Channels {
		key := NormalizeChannelPath(path)
		if existing, dup := channels[key]; dup && existing != room {
			return fmt.Errorf("channels: %q and another key both normalize to %q", path, key)
		}
		channels[key] = room
	}
	cfg.Channels = channels

	return nil
}

// NormalizeChannelPath strips surrounding slashes so "/ops/", "ops" and the
// request path segment all address the same channel.
func NormalizeChannelPath(path string) string {
	return strings.Trim(path, "/")
}

// ParseSize parses size strings like "1MB", "512KB" or "2048576" to bytes.
// Returns DefaultMaxBodySize if empty.
func ParseSize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, errors.New("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, errors.New("size too large")
	}
	return result, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// HasUnresolvedEnv reports whether s still contains a ${VAR} placeholder.
func HasUnresolvedEnv(s string) bool {
	return envVarPattern.MatchString(s)
}

// UnresolvedEnvVars returns the names of the ${VAR} placeholders left in s.
func UnresolvedEnvVars(s string) []string {
	var names []string
	for _, m := range envVarPattern.FindAllStringSubmatch(s, -1) {
		names = append(names, m[1])
	}
	return names
}

// validate performs the checks without which the relay cannot serve a request.
func validate(cfg *Config) error {
	if cfg.Secret == "" {
		return errors.New("secret is required")
	}
	if HasUnresolvedEnv(cfg.Secret) {
		return errors.New("secret references an unset environment variable")
	}

	if len(cfg.Channels) == 0 {
		return errors.New("channels must map at least one path to a room")
	}
	for path, room := range cfg.Channels {
		if room == "" {
			return fmt.Errorf("channels[%q]: room is empty", path)
		}
	}

	if cfg.Matrix.Homeserver == "" {
		return errors.New("matrix.homeserver is required")
	}
	u, err := url.Parse(cfg.Matrix.Homeserver)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("matrix.homeserver %q must be an http(s) URL", cfg.Matrix.Homeserver)
	}

	if cfg.Matrix.AccessToken == "" {
		if cfg.Matrix.User == "" || cfg.Matrix.Password == "" {
			return errors.New("matrix: either access_token or user and password are required")
		}
		if HasUnresolvedEnv(cfg.Matrix.Password) {
			return errors.New("matrix.password references an unset environment variable")
		}
	} else if HasUnresolvedEnv(cfg.Matrix.AccessToken) {
		return errors.New("matrix.access_token references an unset environment variable")
	}

	if cfg.TLS.LetsEncrypt && len(cfg.TLS.Domains) == 0 {
		return errors.New("tls.letsencrypt requires tls.domains")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}

	return nil
}

func verifyAllConfigHashes(paths []string) error {
	// Group paths by directory to avoid loading the same checksums file multiple times
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			if errors.Is(err, ErrNoChecksums) {
				continue
			}
			return err
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: hookrelay config lock --config %s", basename, dir, dir)
			}

			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: hookrelay config lock --config %s", path, err, dir)
			}
		}
	}

	return nil
}
