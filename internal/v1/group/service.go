// Package group implements group message state: send, recall, fetch and ack,
// plus the offline index bookkeeping that feeds the orchestrator.
package group

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/v1/logging"
	"github.com/courier-im/courier/internal/v1/partition"
	"github.com/courier-im/courier/internal/v1/sealed"
	"github.com/courier-im/courier/internal/v1/store"
	"github.com/courier-im/courier/internal/v1/types"
)

// RecallWindowExpiredCode is the wire error code for a recall attempted
// after the 24 hour window.
const RecallWindowExpiredCode = 1101003

var (
	ErrNotMember           = errors.New("not a group member")
	ErrBadSourceExtra      = errors.New("malformed sealed sender blob")
	ErrRoleForbidden       = errors.New("role may not send")
	ErrMsgTooLarge         = errors.New("message body too large")
	ErrNotSender           = errors.New("recall requester is not the sender")
	ErrNotRecallable       = errors.New("message cannot be recalled")
	ErrRecallWindowExpired = fmt.Errorf("recall window expired (code %d)", RecallWindowExpiredCode)
)

// Config carries the cluster flags the service honors.
type Config struct {
	PlainUidSupport bool
	MaxBodySize     int
	RecallWindow    time.Duration
}

// Service wires the DAO, the partitioned Redis and the dispatch fabric.
type Service struct {
	store      *store.Store
	router     *partition.Router
	dispatcher types.Dispatcher
	cfg        Config
}

func NewService(s *store.Store, router *partition.Router, dispatcher types.Dispatcher, cfg Config) *Service {
	return &Service{store: s, router: router, dispatcher: dispatcher, cfg: cfg}
}

// SendRequest is a validated send operation.
type SendRequest struct {
	Text           string               `json:"text"`
	AtList         []string             `json:"atList,omitempty"`
	AtAll          bool                 `json:"atAll,omitempty"`
	PushPeopleType types.PushPeopleType `json:"pushPeopleType"`
	Members        []string             `json:"members,omitempty"`
	SourceExtra    string               `json:"sourceExtra,omitempty"`
	VerifySig      string               `json:"verifySig,omitempty"`
}

// Event is the serialized form fanned out to sessions and published on the
// group channel.
type Event struct {
	Gid         types.Gid     `json:"gid"`
	Mid         types.Mid     `json:"mid"`
	FromUid     string        `json:"fromUid,omitempty"`
	Type        types.MsgType `json:"type"`
	Text        string        `json:"text,omitempty"`
	SourceExtra string        `json:"sourceExtra,omitempty"`
	AtList      []string      `json:"atList,omitempty"`
	AtAll       bool          `json:"atAll,omitempty"`
	CreateTime  int64         `json:"createTime"`
}

func groupChannel(gid types.Gid) string {
	return fmt.Sprintf("group_%d", gid)
}

// Send stores a message, indexes it for offline delivery and fans it out.
func (s *Service) Send(ctx context.Context, gid types.Gid, sender types.Uid, req *SendRequest) (types.Mid, error) {
	member, err := s.member(ctx, gid, sender)
	if err != nil {
		return 0, err
	}
	if member.Role == types.RoleSubscriber {
		return 0, ErrRoleForbidden
	}
	if s.cfg.MaxBodySize > 0 && len(req.Text) > s.cfg.MaxBodySize {
		return 0, ErrMsgTooLarge
	}
	if !s.cfg.PlainUidSupport && req.SourceExtra != "" {
		if err := sealed.Validate(req.SourceExtra); err != nil {
			return 0, ErrBadSourceExtra
		}
	}

	g, err := s.store.GetGroup(ctx, gid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrNotMember
		}
		return 0, err
	}
	msgType := types.MsgTypeChat
	if g.BroadcastType == types.BroadcastChannel {
		msgType = types.MsgTypeChannel
	}

	fromUid := ""
	if s.cfg.PlainUidSupport {
		fromUid = string(sender)
	}
	atList, err := json.Marshal(req.AtList)
	if err != nil {
		return 0, err
	}

	msg := &store.GroupMessage{
		Gid:         int64(gid),
		FromUid:     fromUid,
		Type:        msgType,
		Status:      types.MsgStatusNormal,
		Text:        req.Text,
		AtList:      string(atList),
		AtAll:       req.AtAll,
		SourceExtra: req.SourceExtra,
		VerifySig:   req.VerifySig,
	}
	mid, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		return 0, err
	}

	if err := s.indexOffline(ctx, gid, mid, sender, req); err != nil {
		// The message is stored; offline delivery degrades, real-time
		// delivery still proceeds.
		logging.Error(ctx, "failed to index message for offline delivery",
			zap.Int64("gid", int64(gid)), zap.Int64("mid", int64(mid)), zap.Error(err))
	}

	members, err := s.store.ListGroupMembers(ctx, gid)
	if err != nil {
		return mid, err
	}
	s.ensureUserRecords(ctx, gid, members)

	event := &Event{
		Gid:         gid,
		Mid:         mid,
		FromUid:     fromUid,
		Type:        msgType,
		Text:        req.Text,
		SourceExtra: req.SourceExtra,
		AtList:      req.AtList,
		AtAll:       req.AtAll,
		CreateTime:  msg.CreatedAt.Unix(),
	}
	s.fanOut(ctx, gid, sender, members, event)
	return mid, nil
}

// indexOffline records the triple in the offline sorted set and, for
// targeted messages, the companion member list.
func (s *Service) indexOffline(ctx context.Context, gid types.Gid, mid types.Mid, sender types.Uid, req *SendRequest) error {
	triple := types.EncodeTriple(gid, mid, req.PushPeopleType)
	if err := s.router.ZAdd(ctx, partition.ByGid(gid), types.KeyGroupMsgList, float64(time.Now().Unix()), triple); err != nil {
		return err
	}
	if req.PushPeopleType == types.PushToDesignatedPerson {
		data, err := json.Marshal(types.DesignatedTargets{Members: req.Members, FromUid: string(sender)})
		if err != nil {
			return err
		}
		return s.router.HSet(ctx, partition.ByGid(gid), types.KeyGroupMultiMsgList, triple, string(data))
	}
	return nil
}

// fanOut publishes the group event and delivers it to each member's master
// device through the dispatcher. Undelivered members are covered by the
// offline scan.
func (s *Service) fanOut(ctx context.Context, gid types.Gid, sender types.Uid, members []store.GroupUser, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Error(ctx, "failed to marshal group event", zap.Error(err))
		return
	}

	if err := s.router.Publish(ctx, partition.ByGid(gid), groupChannel(gid), string(payload)); err != nil {
		logging.Warn(ctx, "group channel publish failed", zap.Int64("gid", int64(gid)), zap.Error(err))
	}

	for _, m := range members {
		if m.Uid == string(sender) {
			continue
		}
		s.dispatcher.Publish(ctx, types.NewAddress(types.Uid(m.Uid), types.MasterDeviceID), payload)
	}
}

// Recall supersedes a previously sent message within the recall window.
func (s *Service) Recall(ctx context.Context, gid types.Gid, sender types.Uid, mid types.Mid, ivSig string) (types.Mid, error) {
	if _, err := s.member(ctx, gid, sender); err != nil {
		return 0, err
	}

	msg, err := s.store.GetMessage(ctx, gid, mid)
	if err != nil {
		return 0, err
	}
	if msg.Type != types.MsgTypeChat && msg.Type != types.MsgTypeChannel {
		return 0, ErrNotRecallable
	}
	if msg.Status != types.MsgStatusNormal {
		return 0, ErrNotRecallable
	}
	if time.Since(msg.CreatedAt) > s.cfg.RecallWindow {
		return 0, ErrRecallWindowExpired
	}

	if s.cfg.PlainUidSupport {
		if msg.FromUid != string(sender) {
			return 0, ErrNotSender
		}
	} else {
		// Sealed sender: the recaller proves authorship by reproducing the
		// signature stored at send time.
		if msg.VerifySig == "" ||
			subtle.ConstantTimeCompare([]byte(ivSig), []byte(msg.VerifySig)) != 1 {
			return 0, ErrNotSender
		}
	}

	payload, err := json.Marshal(map[string]int64{"recalledMid": int64(mid)})
	if err != nil {
		return 0, err
	}
	fromUid := ""
	if s.cfg.PlainUidSupport {
		fromUid = string(sender)
	}
	marker := &store.GroupMessage{
		Gid:     int64(gid),
		FromUid: fromUid,
		Type:    types.MsgTypeRecall,
		Status:  types.MsgStatusNormal,
		Text:    string(payload),
	}
	markerMid, err := s.store.RecallMessage(ctx, gid, mid, marker)
	if err != nil {
		return 0, err
	}

	triple := types.EncodeTriple(gid, markerMid, types.PushToEveryone)
	if err := s.router.ZAdd(ctx, partition.ByGid(gid), types.KeyGroupMsgList, float64(time.Now().Unix()), triple); err != nil {
		logging.Error(ctx, "failed to index recall marker", zap.Int64("gid", int64(gid)), zap.Error(err))
	}

	members, err := s.store.ListGroupMembers(ctx, gid)
	if err == nil {
		s.fanOut(ctx, gid, sender, members, &Event{
			Gid:        gid,
			Mid:        markerMid,
			FromUid:    fromUid,
			Type:       types.MsgTypeRecall,
			Text:       string(payload),
			CreateTime: marker.CreatedAt.Unix(),
		})
	}
	return markerMid, nil
}

// Fetch returns up to 50 messages in [fromMid, toMid], shaped for the
// client's recall capability: clients without it see recalled originals as
// they were sent and never see the marker; clients with it see the marker and
// a blanked original.
func (s *Service) Fetch(ctx context.Context, gid types.Gid, uid types.Uid, fromMid, toMid types.Mid, supportRecall bool) ([]store.GroupMessage, error) {
	if _, err := s.member(ctx, gid, uid); err != nil {
		return nil, err
	}

	msgs, err := s.store.FetchMessages(ctx, gid, fromMid, toMid)
	if err != nil {
		return nil, err
	}

	out := make([]store.GroupMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Type == types.MsgTypeRecall && !supportRecall {
			continue
		}
		if m.Status == types.MsgStatusRecalled && supportRecall {
			m.Text = ""
			m.SourceExtra = ""
		}
		out = append(out, m)
	}
	return out, nil
}

// Ack advances the member's cursor in the DB and the offline hash.
func (s *Service) Ack(ctx context.Context, gid types.Gid, uid types.Uid, mid types.Mid) error {
	if _, err := s.member(ctx, gid, uid); err != nil {
		return err
	}
	if err := s.store.AckGroupMessage(ctx, gid, string(uid), mid); err != nil {
		return err
	}

	// Reading is the badge reset signal: the next push starts counting
	// unread from zero. Best effort, a stale badge is cosmetic.
	if err := s.router.Del(ctx, partition.ByKey(string(uid)), types.KeyApnsBadge(uid)); err != nil {
		logging.Warn(ctx, "failed to reset badge counter", zap.String("uid", string(uid)), zap.Error(err))
	}

	key := types.KeyGroupUserMsg(gid)
	raw, err := s.router.HGet(ctx, partition.ByGid(gid), key, string(uid))
	if err != nil {
		// No record means the user never needed offline state; nothing to
		// advance.
		return nil
	}
	var info types.GroupUserMessageIdInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		logging.Warn(ctx, "corrupt group user record", zap.Int64("gid", int64(gid)), zap.String("uid", string(uid)))
		return nil
	}
	if info.LastMid >= mid {
		return nil
	}
	info.LastMid = mid
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.router.HSet(ctx, partition.ByGid(gid), key, string(uid), string(data))
}

// RefreshPushRecords rewrites the push snapshot of every group record the
// uid appears in. Called after registration changes and on logout, where the
// blanked snapshot prevents ghost pushes.
func (s *Service) RefreshPushRecords(ctx context.Context, uid types.Uid) error {
	snapshot := types.GroupUserMessageIdInfo{}
	device, err := s.store.GetDevice(ctx, string(uid), types.MasterDeviceID)
	if err == nil && device.State != types.DeviceStateLogout {
		snapshot = snapshotFromDevice(device)
	}

	memberships, err := s.store.ListUserGroups(ctx, string(uid))
	if err != nil {
		return err
	}
	for _, m := range memberships {
		gid := types.Gid(m.Gid)
		key := types.KeyGroupUserMsg(gid)
		raw, err := s.router.HGet(ctx, partition.ByGid(gid), key, string(uid))
		if err != nil {
			continue
		}
		var info types.GroupUserMessageIdInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			continue
		}
		info.GcmID = snapshot.GcmID
		info.UmengID = snapshot.UmengID
		info.ApnID = snapshot.ApnID
		info.ApnType = snapshot.ApnType
		info.VoipApnID = snapshot.VoipApnID
		info.OsType = snapshot.OsType
		info.BuildCode = snapshot.BuildCode
		info.PhoneModel = snapshot.PhoneModel
		data, err := json.Marshal(info)
		if err != nil {
			continue
		}
		if err := s.router.HSet(ctx, partition.ByGid(gid), key, string(uid), string(data)); err != nil {
			logging.Warn(ctx, "failed to refresh push record",
				zap.Int64("gid", int64(gid)), zap.String("uid", string(uid)), zap.Error(err))
		}
	}
	return nil
}

// ensureUserRecords creates missing group_user_msg entries so the offline
// scan can see members that never acked anything.
func (s *Service) ensureUserRecords(ctx context.Context, gid types.Gid, members []store.GroupUser) {
	if len(members) == 0 {
		return
	}
	key := types.KeyGroupUserMsg(gid)
	uids := make([]string, len(members))
	for i, m := range members {
		uids[i] = m.Uid
	}

	existing, err := s.router.HMGet(ctx, partition.ByGid(gid), key, uids...)
	if err != nil {
		logging.Warn(ctx, "failed to read group user records", zap.Int64("gid", int64(gid)), zap.Error(err))
		return
	}

	created := make(map[string]string)
	for i, v := range existing {
		if v != nil {
			continue
		}
		uid := uids[i]
		device, err := s.store.GetDevice(ctx, uid, types.MasterDeviceID)
		if err != nil {
			continue
		}
		info := snapshotFromDevice(device)
		data, err := json.Marshal(info)
		if err != nil {
			continue
		}
		created[uid] = string(data)
	}
	if len(created) == 0 {
		return
	}
	if err := s.router.HMSet(ctx, partition.ByGid(gid), key, created); err != nil {
		logging.Warn(ctx, "failed to create group user records", zap.Int64("gid", int64(gid)), zap.Error(err))
	}
}

func (s *Service) member(ctx context.Context, gid types.Gid, uid types.Uid) (*store.GroupUser, error) {
	member, err := s.store.GetGroupMember(ctx, gid, string(uid))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotMember
		}
		return nil, err
	}
	return member, nil
}

func snapshotFromDevice(device *store.Device) types.GroupUserMessageIdInfo {
	buildCode, _ := strconv.ParseInt(device.BuildCode, 10, 32)
	return types.GroupUserMessageIdInfo{
		LastMid:    0,
		GcmID:      device.GcmID,
		UmengID:    device.UmengID,
		ApnID:      device.ApnID,
		ApnType:    device.ApnType,
		VoipApnID:  device.VoipApnID,
		OsType:     device.OsType,
		BuildCode:  int32(buildCode),
		PhoneModel: device.PhoneModel,
		Flag:       types.CfgFlagNormal,
	}
}
