package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/logstore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome for one chain. Exactly one of Address and Err is set.
type Result struct {
	Address string
	Err     error
}

// Provisioner generates one address per requested chain and appends it to
// that chain's ledger. Chains are independent: one failing generator does not
// affect the others.
type Provisioner struct {
	generators map[schemas.Chain]Generator
	ledger     *Ledger
	keystore   *Keystore
	log        logstore.Appender
	logger     *zap.Logger
}

// NewProvisioner creates a Provisioner. keystore may be nil, in which case
// private keys are discarded after the address is derived.
func NewProvisioner(generators map[schemas.Chain]Generator, ledger *Ledger, keystore *Keystore, log logstore.Appender, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		generators: generators,
		ledger:     ledger,
		keystore:   keystore,
		log:        log,
		logger:     logger.Named("wallet"),
	}
}

// Provision runs every requested chain concurrently and returns a result per
// distinct chain. An empty request means every supported chain.
func (p *Provisioner) Provision(ctx context.Context, chains []schemas.Chain) map[schemas.Chain]Result {
	if len(chains) == 0 {
		chains = schemas.SupportedChains
	}

	var (
		mu      sync.Mutex
		results = make(map[schemas.Chain]Result, len(chains))
		seen    = make(map[schemas.Chain]bool, len(chains))
		g       errgroup.Group
	)
	for _, chain := range chains {
		if seen[chain] {
			continue
		}
		seen[chain] = true

		g.Go(func() error {
			res := p.provisionOne(ctx, chain)
			mu.Lock()
			results[chain] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Provisioner) provisionOne(ctx context.Context, chain schemas.Chain) Result {
	res := p.generate(ctx, chain)
	logger := p.logger.With(zap.String("chain", string(chain)))
	var msg string
	if res.Err != nil {
		logger.Warn("Wallet provisioning failed.", zap.String("kind", string(schemas.KindOf(res.Err))), zap.Error(res.Err))
		msg = fmt.Sprintf("wallet %s failed (%s): %v", chain, schemas.KindOf(res.Err), res.Err)
	} else {
		logger.Info("Wallet provisioned.", zap.String("address", res.Address))
		msg = fmt.Sprintf("wallet %s provisioned: %s", chain, res.Address)
	}
	if err := p.log.Append(msg); err != nil {
		logger.Warn("Failed to append log entry.", zap.Error(err))
	}
	return res
}

func (p *Provisioner) generate(ctx context.Context, chain schemas.Chain) (res Result) {
	const op = "provision_wallet"
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: schemas.Errorf(schemas.KindGeneratorFailed, op, "%s generator panicked: %v", chain, r)}
		}
	}()

	gen, ok := p.generators[chain]
	if !ok {
		return Result{Err: schemas.Errorf(schemas.KindUnsupportedType, op, "unsupported chain %q", chain)}
	}
	kp, err := gen.Generate(ctx)
	if err != nil {
		return Result{Err: schemas.NewError(schemas.KindGeneratorFailed, op, fmt.Errorf("%s: %w", chain, err))}
	}
	if kp.Address == "" {
		return Result{Err: schemas.Errorf(schemas.KindGeneratorFailed, op, "%s generator returned an empty address", chain)}
	}

	if p.keystore != nil {
		if _, err := p.keystore.Seal(chain, kp.Address, kp.PrivateKey); err != nil {
			return Result{Err: schemas.NewError(schemas.KindIOError, op, err)}
		}
	}
	if err := p.ledger.Append(chain, kp.Address); err != nil {
		return Result{Err: err}
	}
	return Result{Address: kp.Address}
}
