// Package wallet holds the wallet side state the page can query: the configured
// networks, the selected chain and the unlocked account.
package wallet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const networksFileName = "networks.yaml"

var networkNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*[a-z0-9]$`)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Network is a chain the wallet can connect to.
type Network struct {
	// Name must be snake_case; it also names the <NAME>_RPC_URL override.
	Name     string `yaml:"name" validate:"required"`
	ChainID  uint64 `yaml:"chain_id" validate:"required"`
	RPCURL   string `yaml:"rpc_url" validate:"required,url"`
	Currency string `yaml:"currency"`
	Decimals uint8  `yaml:"decimals"`
	Disabled bool   `yaml:"disabled"`
}

func (n Network) ChainIDHex() string { return hexutil.EncodeUint64(n.ChainID) }

// NetVersion is the decimal chain id returned by net_version.
func (n Network) NetVersion() string { return strconv.FormatUint(n.ChainID, 10) }

// DefaultNetworks are used when the config directory has no networks.yaml.
var DefaultNetworks = []Network{
	{Name: "mainnet", ChainID: 1, RPCURL: "https://ethereum-rpc.publicnode.com", Currency: "ETH", Decimals: 18},
	{Name: "sepolia", ChainID: 11155111, RPCURL: "https://ethereum-sepolia-rpc.publicnode.com", Currency: "ETH", Decimals: 18},
	{Name: "anvil", ChainID: 31337, RPCURL: "http://localhost:8545", Currency: "ETH", Decimals: 18},
}

type networksConfig struct {
	Networks []Network `yaml:"networks"`
}

// LoadNetworks reads <configDirPath>/networks.yaml, falling back to DefaultNetworks
// when the file does not exist. <NAME>_RPC_URL environment variables override the
// endpoint of the network they name. Disabled networks are dropped.
func LoadNetworks(configDirPath string) ([]Network, error) {
	var cfg networksConfig

	f, err := os.Open(filepath.Join(configDirPath, networksFileName))
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg.Networks = append([]Network(nil), DefaultNetworks...)
	case err != nil:
		return nil, err
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", networksFileName, err)
		}
	}

	seen := make(map[uint64]string)
	var enabled []Network
	for _, n := range cfg.Networks {
		if n.Disabled {
			continue
		}
		if !networkNameRegex.MatchString(n.Name) {
			return nil, fmt.Errorf("invalid network name '%s', should match snake_case format", n.Name)
		}
		if rpcURL := os.Getenv(strings.ToUpper(n.Name) + "_RPC_URL"); rpcURL != "" {
			n.RPCURL = rpcURL
		}
		if err := validate.Struct(n); err != nil {
			return nil, fmt.Errorf("invalid network '%s': %w", n.Name, err)
		}
		if other, ok := seen[n.ChainID]; ok {
			return nil, fmt.Errorf("networks '%s' and '%s' share chain id %d", other, n.Name, n.ChainID)
		}
		seen[n.ChainID] = n.Name
		enabled = append(enabled, n)
	}

	if len(enabled) == 0 {
		return nil, errors.New("no enabled networks")
	}
	return enabled, nil
}
