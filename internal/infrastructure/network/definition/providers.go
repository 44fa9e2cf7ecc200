package networkdefinition

import (
	"errors"
	"fmt"
	"strings"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/domain/entity"
)

// SelectedNetworkKey is the shared store key holding the selected network identifier.
const SelectedNetworkKey = "selected_network"

// Errors returned by the provider.
var (
	ErrUnknownNetwork  = errors.New("unknown network")
	ErrNetworkDisabled = errors.New("network is disabled")
	ErrNoActiveNetwork = errors.New("no active network configured")
)

var monadCoins = entity.NetworkCoins{ //nolint:gochecknoglobals // shared by the Monad definitions
	Native:  entity.CoinInfo{Name: "Monad", Symbol: "MON", Decimals: 18},
	Wrapped: entity.CoinInfo{Name: "Wrapped Monad", Symbol: "WMON", Decimals: 18},
	Aqua:    entity.CoinInfo{Name: "AquaMON", Symbol: "stMON", Decimals: 18},
	Arc:     entity.CoinInfo{Name: "ArcMON", Symbol: "wstMON", Decimals: 18},
}

// Predefined network definitions
var ( //nolint:gochecknoglobals // Global for definitions
	MonadTestnet = entity.NetworkConfig{
		ChainID:    10143,
		Label:      "Monad Testnet",
		Identifier: "monad-testnet",
		RPCURLs: []string{
			"https://testnet-rpc.monad.xyz",
			"https://rpc.ankr.com/monad_testnet",
			"https://monad-testnet.rpc.tatum.io",
			"https://monad-testnet.rpc.thirdweb.com",
		},
		WSURLs: []string{
			"wss://testnet-rpc.monad.xyz",
			"wss://rpc-testnet.monadinfra.com",
		},
		ExplorerBaseURL: "https://testnet.monadscan.com",
		Contracts: entity.ContractAddresses{
			Pool:           "0x25E24c54e65a51aa74087B8EE44398Bb4AB231Dd",
			WrappedNative:  "0x0f19e23E213F40Cd1dB36AA2486f2DA76586b010",
			AquaToken:      "0xd4522Ed884254008C04008E3b561dFCF4eFC0306",
			ArcToken:       "0x19157c7b66Af91083431D616cbD023Cfda3264bd",
			Router:         "0x6f6ca25862E5424a00A17775fb97fa71236CCD52",
			RuleDelegation: "0x83a050A961127C1D8968E8DF40DE8310EC786C8A",
		},
		Coins:     monadCoins,
		TargetAPR: 11.1,
		Active:    true,
	}
	MonadMainnet = entity.NetworkConfig{
		Label:      "Monad Mainnet (soon)",
		Identifier: "monad-mainnet",
		Coins:      monadCoins,
		TargetAPR:  8.3,
	}
	OptimismSepolia = entity.NetworkConfig{
		ChainID:    11155420,
		Label:      "Optimism Sepolia (demo)",
		Identifier: "sepolia",
		Coins: entity.NetworkCoins{
			Native:  entity.CoinInfo{Name: "Sepolia ETH", Symbol: "ETH", Decimals: 18},
			Wrapped: entity.CoinInfo{Name: "Wrapped ETH", Symbol: "WETH", Decimals: 18},
			Aqua:    entity.CoinInfo{Name: "AquaETH", Symbol: "stETH", Decimals: 18},
			Arc:     entity.CoinInfo{Name: "ArcETH", Symbol: "wstETH", Decimals: 18},
		},
		TargetAPR: 4.2,
	}
)

var builtinNetworks = []entity.NetworkConfig{MonadTestnet, MonadMainnet, OptimismSepolia} //nolint:gochecknoglobals

// NetworkDefinitionProvider serves the static network table and the persisted selection.
type NetworkDefinitionProvider struct {
	logger   port.Logger
	store    port.SharedStore
	networks []entity.NetworkConfig
	fallback string
}

// NewNetworkDefinitionProvider builds the table from the built-in networks followed by custom ones.
// A custom network with the identifier of a built-in one replaces it. defaultIdentifier is used
// when nothing is persisted yet; store may be nil, in which case selection is kept in memory only.
func NewNetworkDefinitionProvider(log port.Logger, store port.SharedStore, defaultIdentifier string, custom []entity.NetworkConfig) *NetworkDefinitionProvider {
	if log == nil {
		log = port.NopLogger{}
	}
	p := &NetworkDefinitionProvider{
		logger:   log,
		store:    store,
		fallback: defaultIdentifier,
	}

	byID := make(map[string]int)
	for _, def := range builtinNetworks {
		byID[def.Identifier] = len(p.networks)
		p.networks = append(p.networks, cloneNetwork(def))
	}
	for _, def := range custom {
		def = cloneNetwork(def)
		if def.Active && len(def.RPCURLs) == 0 {
			p.logger.Warn(fmt.Sprintf("Custom network '%s' has no RPC URLs, marking inactive.", def.Identifier))
			def.Active = false
		}
		if i, ok := byID[def.Identifier]; ok {
			p.logger.Info(fmt.Sprintf("Custom network '%s' overrides the built-in definition.", def.Identifier))
			p.networks[i] = def
			continue
		}
		byID[def.Identifier] = len(p.networks)
		p.networks = append(p.networks, def)
	}

	active := 0
	for _, def := range p.networks {
		if def.Active {
			active++
			p.logger.Debug(fmt.Sprintf("  - Active network: %s (ID: %s, ChainID: %d, RPCs: %d)", def.Label, def.Identifier, def.ChainID, len(def.RPCURLs)))
		}
	}
	p.logger.Info(fmt.Sprintf("NetworkDefinitionProvider initialized. Networks: %d, active: %d", len(p.networks), active))
	return p
}

// GetAllNetworks returns every network in table order.
func (p *NetworkDefinitionProvider) GetAllNetworks() []entity.NetworkConfig {
	out := make([]entity.NetworkConfig, len(p.networks))
	for i, def := range p.networks {
		out[i] = cloneNetwork(def)
	}
	return out
}

// GetNetworkByIdentifier returns the network stored under identifier, active or not.
func (p *NetworkDefinitionProvider) GetNetworkByIdentifier(identifier string) (entity.NetworkConfig, bool) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	for _, def := range p.networks {
		if def.Identifier == identifier {
			return cloneNetwork(def), true
		}
	}
	return entity.NetworkConfig{}, false
}

// GetNetworkByChainID returns the first active network with chainID, then any network with it.
func (p *NetworkDefinitionProvider) GetNetworkByChainID(chainID uint64) (entity.NetworkConfig, bool) {
	if chainID == 0 {
		return entity.NetworkConfig{}, false
	}
	for _, def := range p.networks {
		if def.Active && def.ChainID == chainID {
			return cloneNetwork(def), true
		}
	}
	for _, def := range p.networks {
		if def.ChainID == chainID {
			p.logger.Warn(fmt.Sprintf("Network with ChainID %d found but it is not active.", chainID))
			return cloneNetwork(def), true
		}
	}
	return entity.NetworkConfig{}, false
}

// Selected returns the persisted selection. Missing, unknown or disabled selections fall
// back to the configured default and then to the first active network.
func (p *NetworkDefinitionProvider) Selected() (entity.NetworkConfig, error) {
	for _, id := range []string{p.persisted(), p.fallback} {
		if id == "" {
			continue
		}
		if def, ok := p.GetNetworkByIdentifier(id); ok && def.Active {
			return def, nil
		}
	}
	for _, def := range p.networks {
		if def.Active {
			return cloneNetwork(def), nil
		}
	}
	return entity.NetworkConfig{}, ErrNoActiveNetwork
}

// Select persists identifier as the selected network.
func (p *NetworkDefinitionProvider) Select(identifier string) (entity.NetworkConfig, error) {
	def, ok := p.GetNetworkByIdentifier(identifier)
	if !ok {
		return entity.NetworkConfig{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, identifier)
	}
	if !def.Active {
		return entity.NetworkConfig{}, fmt.Errorf("%w: %s", ErrNetworkDisabled, identifier)
	}
	if p.store != nil {
		if err := p.store.Set(SelectedNetworkKey, def.Identifier); err != nil {
			return entity.NetworkConfig{}, fmt.Errorf("failed to persist network selection: %w", err)
		}
	} else {
		p.fallback = def.Identifier
	}
	p.logger.Info("Network selected", "network", def.Identifier, "chainId", def.ChainID)
	return def, nil
}

func (p *NetworkDefinitionProvider) persisted() string {
	if p.store == nil {
		return ""
	}
	v, ok, err := p.store.Get(SelectedNetworkKey)
	if err != nil {
		p.logger.Warn("Failed to read network selection", "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return v
}

// cloneNetwork copies the slices so callers cannot mutate the table.
func cloneNetwork(def entity.NetworkConfig) entity.NetworkConfig {
	def.Identifier = strings.ToLower(strings.TrimSpace(def.Identifier))
	def.RPCURLs = append([]string(nil), def.RPCURLs...)
	def.WSURLs = append([]string(nil), def.WSURLs...)
	return def
}
