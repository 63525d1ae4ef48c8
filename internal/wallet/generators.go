// Package wallet provisions chain addresses. Keys come from secp256k1 and
// ed25519; address encoding is left to each chain's own library.
package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/xkilldash9x/metos/api/schemas"
)

// KeyPair is a freshly generated key. PrivateKey is only ever handed to the
// keystore and is never logged.
type KeyPair struct {
	Address    string
	PrivateKey []byte
}

// Generator creates keys for one chain.
type Generator interface {
	Chain() schemas.Chain
	Generate(ctx context.Context) (KeyPair, error)
}

// DefaultGenerators returns a generator for every supported chain.
func DefaultGenerators() map[schemas.Chain]Generator {
	return map[schemas.Chain]Generator{
		schemas.ChainEthereum: EthereumGenerator{},
		schemas.ChainBitcoin:  BitcoinGenerator{},
		schemas.ChainSolana:   SolanaGenerator{},
	}
}

// -- Ethereum --

// EthereumGenerator produces EIP-55 checksummed addresses.
type EthereumGenerator struct{}

func (EthereumGenerator) Chain() schemas.Chain { return schemas.ChainEthereum }

func (EthereumGenerator) Generate(ctx context.Context) (KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return KeyPair{}, err
	}
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("secp256k1 key generation: %w", err)
	}
	pub := priv.PubKey().SerializeUncompressed()
	return KeyPair{
		Address:    EthereumAddress(pub),
		PrivateKey: priv.Serialize(),
	}, nil
}

// EthereumAddress derives the EIP-55 checksummed address from a 65-byte
// uncompressed public key.
func EthereumAddress(uncompressed []byte) string {
	return common.BytesToAddress(ethcrypto.Keccak256(uncompressed[1:])[12:]).Hex()
}

// -- Bitcoin --

// BitcoinGenerator produces mainnet pay-to-pubkey-hash addresses from
// compressed public keys.
type BitcoinGenerator struct{}

func (BitcoinGenerator) Chain() schemas.Chain { return schemas.ChainBitcoin }

func (BitcoinGenerator) Generate(ctx context.Context) (KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return KeyPair{}, err
	}
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("secp256k1 key generation: %w", err)
	}
	addr, err := BitcoinAddress(priv.PubKey().SerializeCompressed())
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		Address:    addr,
		PrivateKey: priv.Serialize(),
	}, nil
}

// BitcoinAddress encodes HASH160(pubkey) as a mainnet P2PKH address.
func BitcoinAddress(pubkey []byte) (string, error) {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubkey), &chaincfg.MainNetParams)
	if err != nil {
		return "", fmt.Errorf("p2pkh address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// -- Solana --

// SolanaGenerator produces base58-encoded ed25519 public keys.
type SolanaGenerator struct{}

func (SolanaGenerator) Chain() schemas.Chain { return schemas.ChainSolana }

func (SolanaGenerator) Generate(ctx context.Context) (KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return KeyPair{}, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("ed25519 key generation: %w", err)
	}
	return KeyPair{
		Address:    base58.Encode(pub),
		PrivateKey: priv,
	}, nil
}
