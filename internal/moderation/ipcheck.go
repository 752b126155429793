package moderation

import (
	"context"
	"time"

	"github.com/reasonstostay/letterflow/internal/iputil"
	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
)

const (
	IPReasonMissing      = "missing_or_invalid_ip"
	IPReasonLocked       = "ip_locked"
	IPReasonRateExceeded = "rate_limit_exceeded"

	defaultIPDailyThreshold = 20
	ipLockTTL               = 5 * time.Minute
	ipWindow                = 24 * time.Hour
)

// IPResult is informational. It never decides the stage on its own.
type IPResult struct {
	Pass      bool   `json:"pass"`
	Reason    string `json:"reason,omitempty"`
	Hash      string `json:"hash,omitempty"`
	Count     int    `json:"count,omitempty"`
	Threshold int    `json:"threshold,omitempty"`
}

type ipStore interface {
	storage.MetaStore
	storage.OptionStore
	storage.TransientStore
	storage.LetterQuery
}

type IPChecker struct {
	store  ipStore
	hasher *iputil.Hasher
	now    func() time.Time
}

func NewIPChecker(store ipStore, hasher *iputil.Hasher, now func() time.Time) *IPChecker {
	if now == nil {
		now = time.Now
	}
	return &IPChecker{store: store, hasher: hasher, now: now}
}

func ipLockKey(hash string) string {
	return "ip_lock:" + hash
}

// Check uses the address captured at submission; request headers are never consulted here.
func (c *IPChecker) Check(ctx context.Context, letterID int64) (IPResult, error) {
	raw, _, err := c.store.GetMeta(ctx, letterID, letters.MetaSubmissionIP)
	if err != nil {
		return IPResult{}, err
	}
	if c.hasher == nil || !iputil.Valid(raw) {
		return IPResult{Reason: IPReasonMissing}, nil
	}
	hash := c.hasher.Hash(raw)
	stored, _, err := c.store.GetMeta(ctx, letterID, letters.MetaSubmissionIPHash)
	if err != nil {
		return IPResult{}, err
	}
	if stored != hash {
		if err := c.store.SetMeta(ctx, letterID, letters.MetaSubmissionIPHash, hash); err != nil {
			return IPResult{}, err
		}
	}

	if _, locked, err := c.store.GetTransient(ctx, ipLockKey(hash)); err != nil {
		return IPResult{}, err
	} else if locked {
		return IPResult{Reason: IPReasonLocked, Hash: hash}, nil
	}

	threshold := defaultIPDailyThreshold
	if value, ok, err := c.store.GetOption(ctx, letters.OptionIPDailyThreshold); err != nil {
		return IPResult{}, err
	} else if ok {
		threshold = letters.ParseInt(value, defaultIPDailyThreshold)
	}
	count, err := c.store.CountLettersByMeta(ctx, letters.MetaSubmissionIPHash, hash, c.now().Add(-ipWindow))
	if err != nil {
		return IPResult{}, err
	}
	if count > threshold {
		if err := c.store.SetTransient(ctx, ipLockKey(hash), "1", ipLockTTL); err != nil {
			return IPResult{}, err
		}
		return IPResult{Reason: IPReasonRateExceeded, Hash: hash, Count: count, Threshold: threshold}, nil
	}
	return IPResult{Pass: true, Hash: hash, Count: count, Threshold: threshold}, nil
}
