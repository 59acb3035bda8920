package wallet

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/miguelrdp/iron/pkg/engine"
	"github.com/miguelrdp/iron/pkg/jsonrpc"
	"github.com/miguelrdp/iron/pkg/sign"
)

// signingMethods need transaction or typed data construction, which the wallet
// does not implement.
var signingMethods = []string{
	"eth_sendTransaction",
	"eth_signTransaction",
	"eth_sign",
	"eth_signTypedData",
	"eth_signTypedData_v3",
	"eth_signTypedData_v4",
}

// ProviderState is the result of wallet_getProviderState.
type ProviderState struct {
	ChainID        string           `json:"chainId"`
	NetworkVersion string           `json:"networkVersion"`
	Accounts       []common.Address `json:"accounts"`
	IsUnlocked     bool             `json:"isUnlocked"`
}

type Wallet struct {
	Networks *Networks
	Accounts *Accounts
}

func New(networks *Networks, accounts *Accounts) *Wallet {
	return &Wallet{Networks: networks, Accounts: accounts}
}

func (w *Wallet) State() ProviderState {
	current := w.Networks.Current()
	_, unlocked := w.Accounts.Signer()
	return ProviderState{
		ChainID:        current.ChainIDHex(),
		NetworkVersion: current.NetVersion(),
		Accounts:       w.Accounts.Addresses(),
		IsUnlocked:     unlocked,
	}
}

// Middleware answers the methods the wallet owns and passes the rest on.
func (w *Wallet) Middleware() engine.Handler {
	router := engine.NewRouter()
	router.Handle("eth_accounts", w.handleAccounts)
	router.Handle("eth_requestAccounts", w.handleRequestAccounts)
	router.Handle("eth_coinbase", w.handleCoinbase)
	router.Handle("eth_chainId", w.handleChainID)
	router.Handle("net_version", w.handleNetVersion)
	router.Handle("wallet_switchEthereumChain", w.handleSwitchChain)
	router.Handle("wallet_getProviderState", w.handleGetProviderState)
	router.Handle("personal_sign", w.handlePersonalSign)
	for _, method := range signingMethods {
		router.Handle(method, unsupported)
	}
	return router.Middleware()
}

func (w *Wallet) handleAccounts(c *engine.Context) {
	c.Succeed(w.Accounts.Addresses())
}

func (w *Wallet) handleRequestAccounts(c *engine.Context) {
	addresses := w.Accounts.Addresses()
	if len(addresses) == 0 {
		c.Fail(jsonrpc.NewError(jsonrpc.CodeUnauthorized, "wallet is locked"), "")
		return
	}
	c.Succeed(addresses)
}

func (w *Wallet) handleCoinbase(c *engine.Context) {
	addresses := w.Accounts.Addresses()
	if len(addresses) == 0 {
		c.Succeed(nil)
		return
	}
	c.Succeed(addresses[0])
}

// handleChainID answers from the configured network, not the endpoint. The host
// refuses to start when the endpoint of the selected network reports another chain.
func (w *Wallet) handleChainID(c *engine.Context) {
	c.Succeed(w.Networks.Current().ChainIDHex())
}

func (w *Wallet) handleNetVersion(c *engine.Context) {
	c.Succeed(w.Networks.Current().NetVersion())
}

func (w *Wallet) handleSwitchChain(c *engine.Context) {
	var params struct {
		ChainID *hexutil.Uint64 `json:"chainId"`
	}
	if err := c.BindParams(&params); err != nil {
		c.Fail(err, "")
		return
	}
	if params.ChainID == nil {
		c.Fail(jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid params: chainId is required"), "")
		return
	}
	if _, err := w.Networks.Switch(c.Context, uint64(*params.ChainID)); err != nil {
		c.Fail(err, "failed to switch network")
		return
	}
	c.Succeed(nil)
}

func (w *Wallet) handleGetProviderState(c *engine.Context) {
	c.Succeed(w.State())
}

// handlePersonalSign signs [message, address]. The message is hex encoded; plain
// text is accepted too.
func (w *Wallet) handlePersonalSign(c *engine.Context) {
	var message string
	var address common.Address
	if err := c.BindParams(&message, &address); err != nil {
		c.Fail(err, "")
		return
	}

	signer, ok := w.Accounts.Signer()
	if !ok || signer.Address() != address {
		c.Fail(jsonrpc.NewError(jsonrpc.CodeUnauthorized, "unauthorized: unknown account"), "")
		return
	}

	msg := []byte(message)
	if strings.HasPrefix(message, "0x") {
		decoded, err := hexutil.Decode(message)
		if err != nil {
			c.Fail(jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid params: message: %v", err), "")
			return
		}
		msg = decoded
	}

	sig, err := sign.SignPersonal(signer, msg)
	if err != nil {
		c.Fail(err, "failed to sign message")
		return
	}
	c.Succeed(sig)
}

func unsupported(c *engine.Context) {
	c.Fail(jsonrpc.Errorf(jsonrpc.CodeUnsupportedMethod, "%s is not supported by this wallet", c.Request.Method), "")
}
