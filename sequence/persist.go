// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package sequence

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/pairwire/pairwire/perr"
	"github.com/pairwire/pairwire/store"
)

func settledRecordKey(kind store.SequenceKind, topic string) string {
	return store.SettledKey(kind) + ":record:" + topic
}

func settledRecordPrefix(kind store.SequenceKind) string {
	return store.SettledKey(kind) + ":record:"
}

func pendingRecordKey(kind store.SequenceKind, topic string) string {
	return store.PendingKey(kind) + ":record:" + topic
}

func pendingRecordPrefix(kind store.SequenceKind) string {
	return store.PendingKey(kind) + ":record:"
}

func (c *Controller) persistSettled(r *Record) error {
	buf, err := cbor.Marshal(r)
	if err != nil {
		return &perr.StorageFailure{Err: err}
	}
	if err := c.store.Set(settledRecordKey(c.cfg.Kind, r.Topic), buf); err != nil {
		return &perr.StorageFailure{Err: err}
	}
	return nil
}

func (c *Controller) deleteSettled(topic string) error {
	if err := c.store.Del(settledRecordKey(c.cfg.Kind, topic)); err != nil {
		return &perr.StorageFailure{Err: err}
	}
	return nil
}

func (c *Controller) persistPending(p *Pending) error {
	buf, err := cbor.Marshal(p)
	if err != nil {
		return &perr.StorageFailure{Err: err}
	}
	if err := c.store.Set(pendingRecordKey(c.cfg.Kind, p.ProposalTopic), buf); err != nil {
		return &perr.StorageFailure{Err: err}
	}
	return nil
}

func (c *Controller) deletePending(topic string) error {
	if err := c.store.Del(pendingRecordKey(c.cfg.Kind, topic)); err != nil {
		return &perr.StorageFailure{Err: err}
	}
	return nil
}

func (c *Controller) loadAllSettled() ([]*Record, error) {
	prefix := settledRecordPrefix(c.cfg.Kind)
	keys, err := c.store.Keys(prefix)
	if err != nil {
		return nil, &perr.StorageFailure{Err: err}
	}
	var records []*Record
	for _, key := range keys {
		raw, err := c.store.Get(key)
		if err != nil {
			return nil, &perr.StorageFailure{Err: err}
		}
		if raw == nil {
			continue
		}
		r := &Record{}
		if err := cbor.Unmarshal(raw, r); err != nil {
			return nil, &perr.StorageFailure{Err: fmt.Errorf("decode settled record %s: %w", key, err)}
		}
		records = append(records, r)
	}
	return records, nil
}

func (c *Controller) loadAllPending() ([]*Pending, error) {
	prefix := pendingRecordPrefix(c.cfg.Kind)
	keys, err := c.store.Keys(prefix)
	if err != nil {
		return nil, &perr.StorageFailure{Err: err}
	}
	var pendings []*Pending
	for _, key := range keys {
		raw, err := c.store.Get(key)
		if err != nil {
			return nil, &perr.StorageFailure{Err: err}
		}
		if raw == nil {
			continue
		}
		p := &Pending{}
		if err := cbor.Unmarshal(raw, p); err != nil {
			return nil, &perr.StorageFailure{Err: fmt.Errorf("decode pending record %s: %w", key, err)}
		}
		pendings = append(pendings, p)
	}
	return pendings, nil
}
