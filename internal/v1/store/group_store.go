package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/courier-im/courier/internal/v1/types"
)

const maxFetchMessages = 50

func (s *Store) CreateGroup(ctx context.Context, group *Group) error {
	return s.DB.WithContext(ctx).Create(group).Error
}

func (s *Store) GetGroup(ctx context.Context, gid types.Gid) (*Group, error) {
	var group Group
	err := s.DB.WithContext(ctx).Where("gid = ?", gid).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *Store) AddGroupMember(ctx context.Context, member *GroupUser) error {
	return s.DB.WithContext(ctx).Create(member).Error
}

func (s *Store) GetGroupMember(ctx context.Context, gid types.Gid, uid string) (*GroupUser, error) {
	var member GroupUser
	err := s.DB.WithContext(ctx).Where("gid = ? AND uid = ?", gid, uid).First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func (s *Store) ListGroupMembers(ctx context.Context, gid types.Gid) ([]GroupUser, error) {
	var members []GroupUser
	err := s.DB.WithContext(ctx).Where("gid = ?", gid).Order("uid").Find(&members).Error
	return members, err
}

// ListUserGroups returns every membership of the uid, used to refresh push
// snapshots when registrations change.
func (s *Store) ListUserGroups(ctx context.Context, uid string) ([]GroupUser, error) {
	var memberships []GroupUser
	err := s.DB.WithContext(ctx).Where("uid = ?", uid).Find(&memberships).Error
	return memberships, err
}

// AckGroupMessage advances the member's delivery cursor. Stale or repeated
// acks are no-ops, so the operation is idempotent.
func (s *Store) AckGroupMessage(ctx context.Context, gid types.Gid, uid string, mid types.Mid) error {
	return s.DB.WithContext(ctx).Model(&GroupUser{}).
		Where("gid = ? AND uid = ? AND last_ack_mid < ?", gid, uid, mid).
		Update("last_ack_mid", mid).Error
}

// InsertMessage assigns the next mid for the group and inserts the row, both
// inside one transaction so mids stay dense and unique under concurrency.
func (s *Store) InsertMessage(ctx context.Context, msg *GroupMessage) (types.Mid, error) {
	var mid types.Mid
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var group Group
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("gid = ?", msg.Gid).First(&group).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		mid = types.Mid(group.LastMid + 1)
		if err := tx.Model(&Group{}).Where("gid = ?", msg.Gid).
			Update("last_mid", int64(mid)).Error; err != nil {
			return err
		}

		msg.Mid = int64(mid)
		return tx.Create(msg).Error
	})
	if err != nil {
		return 0, err
	}
	return mid, nil
}

func (s *Store) GetMessage(ctx context.Context, gid types.Gid, mid types.Mid) (*GroupMessage, error) {
	var msg GroupMessage
	err := s.DB.WithContext(ctx).Where("gid = ? AND mid = ?", gid, mid).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// RecallMessage flips the original row to RECALLED and inserts the recall
// marker in one transaction. The original payload stays in place because
// clients without recall support still fetch it.
func (s *Store) RecallMessage(ctx context.Context, gid types.Gid, mid types.Mid, marker *GroupMessage) (types.Mid, error) {
	var markerMid types.Mid
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&GroupMessage{}).
			Where("gid = ? AND mid = ?", gid, mid).
			Update("status", types.MsgStatusRecalled)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("message %d/%d: %w", gid, mid, ErrNotFound)
		}

		var group Group
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("gid = ?", gid).First(&group).Error; err != nil {
			return err
		}
		markerMid = types.Mid(group.LastMid + 1)
		if err := tx.Model(&Group{}).Where("gid = ?", gid).
			Update("last_mid", int64(markerMid)).Error; err != nil {
			return err
		}
		marker.Mid = int64(markerMid)
		return tx.Create(marker).Error
	})
	if err != nil {
		return 0, err
	}
	return markerMid, nil
}

// FetchMessages returns messages with fromMid <= mid <= toMid, ascending,
// at most 50 rows regardless of the requested range.
func (s *Store) FetchMessages(ctx context.Context, gid types.Gid, fromMid, toMid types.Mid) ([]GroupMessage, error) {
	var msgs []GroupMessage
	err := s.DB.WithContext(ctx).
		Where("gid = ? AND mid >= ? AND mid <= ?", gid, fromMid, toMid).
		Order("mid").
		Limit(maxFetchMessages).
		Find(&msgs).Error
	return msgs, err
}
