package entity

// WalletEventType names the provider events that invalidate session state.
type WalletEventType string

const (
	EventAccountsChanged WalletEventType = "accountsChanged"
	EventChainChanged    WalletEventType = "chainChanged"
	EventDisconnect      WalletEventType = "disconnect"
)

// WalletEvent is emitted by a wallet provider.
type WalletEvent struct {
	Type     WalletEventType
	ChainID  string   // set for chainChanged, 0x-hex
	Accounts []string // set for accountsChanged
	Err      error    // optional cause for disconnect
}
