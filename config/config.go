package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/keapin/keapin/dhcp"
)

// Config is keapin config struct.
type Config struct {
	Listen    string       `yaml:"listen"`
	Interface string       `yaml:"interface"`
	Kea       KeaConfig    `yaml:"kea"`
	Subnet    SubnetConfig `yaml:"subnet"`
}

// KeaConfig locates the daemon artifacts and the privileged helper.
type KeaConfig struct {
	ConfigPath string `yaml:"config"`
	LeasePath  string `yaml:"leases"`
	HelperPath string `yaml:"helper"`
}

// SubnetConfig describes the managed address block.
type SubnetConfig struct {
	Network string `yaml:"network"`
	First   int    `yaml:"first"`
	Last    int    `yaml:"last"`
}

// Default returns the configuration matching a stock kea-dhcp4 install.
func Default() *Config {
	return &Config{
		Listen:    ":8067",
		Interface: "eth0",
		Kea: KeaConfig{
			ConfigPath: "/etc/kea/kea-dhcp4.conf",
			LeasePath:  "/var/lib/kea/kea-leases4.csv",
			HelperPath: "/usr/local/libexec/keapin-helper",
		},
		Subnet: SubnetConfig{
			Network: "192.168.123.0/24",
			First:   2,
			Last:    250,
		},
	}
}

// LoadConfig is
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d := yaml.NewDecoder(f)

	c := Default()
	err = d.Decode(c)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}

	return c, nil
}

// Block builds the managed address block from the subnet section.
func (c *Config) Block() (dhcp.Block, error) {
	return dhcp.NewBlock(c.Subnet.Network, c.Subnet.First, c.Subnet.Last)
}
