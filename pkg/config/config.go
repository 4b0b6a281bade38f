// package config stores the configuration surface for leasegate:
// the grant defaults (protocol, duration), the security group capacity
// limits, the tag names used to mark whitelist groups, and the names of
// the DynamoDB tables holding leases and tenant cloud connections.
package config

import (
	"os"
	"path"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/exostack/leasegate/internal/build"
)

const (
	// permission for user to read/write.
	USER_READ_WRITE_PERM = 0644
)

const (
	// DefaultMaxRulesPerContainer mirrors the AWS quota of 60 inbound
	// rules per security group per IP address family.
	DefaultMaxRulesPerContainer = 60

	// DefaultMaxContainersPerInterface is the AWS default limit on
	// security groups attached to one network interface.
	DefaultMaxContainersPerInterface = 5
)

type Config struct {
	// Protocol used for whitelist rules. Defaults to "tcp".
	Protocol string `toml:",omitempty"`

	// DurationHours is the grant duration applied when a caller does not
	// specify one.
	DurationHours int `toml:",omitempty"`

	// MaxRulesPerContainer caps how many rules of one IP address family a
	// whitelist security group may hold before a new group is allocated.
	MaxRulesPerContainer int `toml:",omitempty"`

	// WhitelistTagPrefix is used both as the security group name prefix and
	// as a marker that a group is managed by leasegate.
	WhitelistTagPrefix string `toml:",omitempty"`

	// InstanceTagName is the tag key whose value associates a whitelist
	// security group with its target instance.
	InstanceTagName string `toml:",omitempty"`

	// LeaseTable is the DynamoDB table holding lease records, with TTL
	// enabled on the expirationTime attribute.
	LeaseTable string `toml:",omitempty"`

	// CloudsTable holds tenant cloud connections (roleARN, externalId).
	CloudsTable string `toml:",omitempty"`

	// CloudsTenantIndex is the GSI used to list all clouds for a tenant.
	CloudsTenantIndex string `toml:",omitempty"`
}

// NewDefaultConfig returns a config with the provider quota defaults
// populated. Table names have no sensible defaults and must come from the
// config file or environment.
func NewDefaultConfig() Config {
	return Config{
		Protocol:             "tcp",
		DurationHours:        1,
		MaxRulesPerContainer: DefaultMaxRulesPerContainer,
		WhitelistTagPrefix:   "vpn-whitelist",
		InstanceTagName:      "vpn-whitelist-instance",
	}
}

// checks and or creates the config folder on startup
func SetupConfigFolder() error {
	folder, err := ConfigFolder()
	if err != nil {
		return err
	}
	if _, err := os.Stat(folder); os.IsNotExist(err) {
		err := os.Mkdir(folder, USER_READ_WRITE_PERM)
		if err != nil {
			return err
		}
	}
	return nil
}

func ConfigFolder() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	configDir := filepath.Join(home, "."+build.BinaryName())
	if xdgConfigDir := os.Getenv("XDG_CONFIG_HOME"); !pathExists(configDir) && xdgConfigDir != "" {
		configDir = filepath.Join(xdgConfigDir, "leasegate")
	}

	return configDir, nil
}

func ConfigFilePath() (string, error) {
	folder, err := ConfigFolder()
	if err != nil {
		return "", err
	}
	return path.Join(folder, "config"), nil
}

// pathExists checks if a given file exists and returns true or false
func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func Load() (*Config, error) {
	configFilePath, err := ConfigFilePath()
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(configFilePath, os.O_RDWR|os.O_CREATE, USER_READ_WRITE_PERM)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	c := NewDefaultConfig()

	_, err = toml.NewDecoder(file).Decode(&c)
	if err != nil {
		// if there is an error just reset to defaults
		c = NewDefaultConfig()
	}

	c.applyEnv()
	return &c, nil
}

// applyEnv lets deployment environments override the file-based config.
func (c *Config) applyEnv() {
	if v := os.Getenv("LEASEGATE_LEASE_TABLE"); v != "" {
		c.LeaseTable = v
	}
	if v := os.Getenv("LEASEGATE_CLOUDS_TABLE"); v != "" {
		c.CloudsTable = v
	}
	if v := os.Getenv("LEASEGATE_CLOUDS_TENANT_INDEX"); v != "" {
		c.CloudsTenantIndex = v
	}
	if v := os.Getenv("LEASEGATE_PROTOCOL"); v != "" {
		c.Protocol = v
	}
}

func (c *Config) Save() error {
	configFilePath, err := ConfigFilePath()
	if err != nil {
		return err
	}

	file, err := os.OpenFile(configFilePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, USER_READ_WRITE_PERM)
	if err != nil {
		return err
	}
	defer file.Close()

	return toml.NewEncoder(file).Encode(c)
}
