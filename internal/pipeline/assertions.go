package pipeline

import (
	"github.com/roundsync/indexer/internal/chain"
	"github.com/roundsync/indexer/internal/harvest"
	"github.com/roundsync/indexer/internal/lock"
	"github.com/roundsync/indexer/internal/locator"
	"github.com/roundsync/indexer/internal/store"
)

var (
	_ ChainReader   = (*chain.EthReader)(nil)
	_ RangeResolver = (*locator.Locator)(nil)
	_ EventSource   = (*harvest.Harvester)(nil)
	_ EpochStore    = (*store.Store)(nil)
	_ LockService   = (*lock.Service)(nil)
)
