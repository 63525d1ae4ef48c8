package wallet

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xkilldash9x/metos/api/schemas"
)

// Ledger appends addresses to one file per chain. Each line is written with a
// single O_APPEND write while holding that file's mutex; existing content is
// never rewritten.
type Ledger struct {
	dir   string
	mu    sync.Mutex
	files map[schemas.Chain]*sync.Mutex
}

// NewLedger creates the ledger directory if needed.
func NewLedger(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, schemas.NewError(schemas.KindIOError, "ledger", err)
	}
	return &Ledger{dir: dir, files: make(map[schemas.Chain]*sync.Mutex)}, nil
}

// Path is the ledger file for chain.
func (l *Ledger) Path(chain schemas.Chain) string {
	return filepath.Join(l.dir, string(chain)+"_wallets.txt")
}

func (l *Ledger) lockFor(chain schemas.Chain) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.files[chain]
	if !ok {
		m = &sync.Mutex{}
		l.files[chain] = m
	}
	return m
}

// Append adds one address line to chain's ledger.
func (l *Ledger) Append(chain schemas.Chain, address string) error {
	if address == "" || strings.ContainsAny(address, "\r\n") {
		return schemas.Errorf(schemas.KindInvalidArgument, "ledger.append", "invalid address %q", address)
	}
	m := l.lockFor(chain)
	m.Lock()
	defer m.Unlock()

	f, err := os.OpenFile(l.Path(chain), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return schemas.NewError(schemas.KindIOError, "ledger.append", err)
	}
	_, werr := f.Write([]byte(address + "\n"))
	cerr := f.Close()
	if werr != nil {
		return schemas.NewError(schemas.KindIOError, "ledger.append", werr)
	}
	if cerr != nil {
		return schemas.NewError(schemas.KindIOError, "ledger.append", fmt.Errorf("close: %w", cerr))
	}
	return nil
}

// Addresses returns every address recorded for chain, oldest first.
func (l *Ledger) Addresses(chain schemas.Chain) ([]string, error) {
	data, err := os.ReadFile(l.Path(chain))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, schemas.NewError(schemas.KindIOError, "ledger.read", err)
	}
	out := []string{}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
