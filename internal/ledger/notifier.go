package ledger

import (
	"sync"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
)

// BalanceChange is published after every committed balance mutation.
type BalanceChange struct {
	Identity           string
	BalanceMinorUnits  int64
	LastSyncedRevision int64
}

func changeOf(account *models.Account) BalanceChange {
	return BalanceChange{
		Identity:           account.Identity,
		BalanceMinorUnits:  account.BalanceMinorUnits,
		LastSyncedRevision: account.LastSyncedRevision,
	}
}

// Notifier fans balance changes out to subscribers. The executor and the
// sweeper share one Notifier.
type Notifier struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(BalanceChange)
}

// NewNotifier creates a Notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]func(BalanceChange))}
}

// Subscribe registers fn and returns a func that removes it. fn runs on the
// publishing goroutine and must not block.
func (n *Notifier) Subscribe(fn func(BalanceChange)) (unsubscribe func()) {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// Publish delivers change to every subscriber.
func (n *Notifier) Publish(change BalanceChange) {
	n.mu.RLock()
	subs := make([]func(BalanceChange), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.RUnlock()

	for _, fn := range subs {
		fn(change)
	}
}

// PublishAccount is Publish for an account row.
func (n *Notifier) PublishAccount(account *models.Account) {
	if n == nil || account == nil {
		return
	}
	n.Publish(changeOf(account))
}
