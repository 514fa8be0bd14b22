package service

import (
	"bytes"
	"context"
	"sort"
	"unicode/utf8"

	"github.com/google/uuid"

	"chat_realtime/internal/domain"
	"chat_realtime/internal/realtime"
	"chat_realtime/internal/repository"
	apperrors "chat_realtime/pkg/errors"
	"chat_realtime/pkg/logger"
)

const maxEmojiLength = 64

// ReactionService ведет агрегаты реакций.
// Переключения из сокета применяются здесь и хранятся в Redis.
// Реакции, которые уже сохранил CRUD-слой, приходят через Publish готовым
// агрегатом и заменяют хранимый без повторного переключения.
type ReactionService interface {
	// Toggle добавляет реакцию identity, если ее нет, и снимает, если есть
	Toggle(ctx context.Context, messageID, userID uuid.UUID, emoji string) ([]domain.Reaction, error)
	// ToggleChecked - то же для сокета: сначала проверяется доступ к каналу сообщения
	ToggleChecked(ctx context.Context, messageID, userID uuid.UUID, emoji string) ([]domain.Reaction, error)
	// Publish рассылает сохраненный агрегат; nil - взять его из базы
	Publish(ctx context.Context, messageID uuid.UUID, committed []domain.Reaction) ([]domain.Reaction, error)
	Reactions(ctx context.Context, messageID uuid.UUID) ([]domain.Reaction, error)
}

type reactionService struct {
	hub       *realtime.Hub
	repo      repository.ReactionRepository
	directory repository.DirectoryRepository
	access    AccessService
	locks     *realtime.KeyedMutex
	log       logger.Logger
}

func NewReactionService(
	hub *realtime.Hub,
	repo repository.ReactionRepository,
	directory repository.DirectoryRepository,
	access AccessService,
	log logger.Logger,
) ReactionService {
	return &reactionService{
		hub:       hub,
		repo:      repo,
		directory: directory,
		access:    access,
		locks:     realtime.NewKeyedMutex(),
		log:       log,
	}
}

func (s *reactionService) ToggleChecked(ctx context.Context, messageID, userID uuid.UUID, emoji string) ([]domain.Reaction, error) {
	meta, err := s.directory.GetMessageMeta(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.access.CheckChannelAccess(ctx, userID, meta.ChannelID); err != nil {
		return nil, err
	}
	return s.toggle(ctx, meta, userID, emoji)
}

func (s *reactionService) Toggle(ctx context.Context, messageID, userID uuid.UUID, emoji string) ([]domain.Reaction, error) {
	meta, err := s.directory.GetMessageMeta(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return s.toggle(ctx, meta, userID, emoji)
}

func (s *reactionService) Publish(ctx context.Context, messageID uuid.UUID, committed []domain.Reaction) ([]domain.Reaction, error) {
	for _, r := range committed {
		if !validEmoji(r.Emoji) {
			return nil, apperrors.ErrBadRequest
		}
	}

	meta, err := s.directory.GetMessageMeta(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if committed == nil {
		committed = meta.Reactions
	}

	return s.apply(ctx, meta, func(set *domain.ReactionSet) {
		replaceReactions(set, committed)
	})
}

func (s *reactionService) toggle(ctx context.Context, meta *domain.MessageMeta, userID uuid.UUID, emoji string) ([]domain.Reaction, error) {
	if !validEmoji(emoji) || userID == uuid.Nil {
		return nil, apperrors.ErrBadRequest
	}

	return s.apply(ctx, meta, func(set *domain.ReactionSet) {
		toggleReaction(set, emoji, userID)
	})
}

// apply меняет агрегат и рассылает результат в канал сообщения.
// Сохраненный в базе список используется, только пока агрегата нет в Redis.
func (s *reactionService) apply(ctx context.Context, meta *domain.MessageMeta, mutate func(set *domain.ReactionSet)) ([]domain.Reaction, error) {
	// один агрегат - один писатель; рассылка тоже под блокировкой,
	// чтобы клиенты видели состояния в порядке изменений
	unlock := s.locks.Lock(meta.ID.String())
	defer unlock()

	set, err := s.repo.Update(ctx, meta.ID,
		func() (*domain.ReactionSet, error) { return seedReactions(meta.Reactions), nil },
		func(set *domain.ReactionSet) error {
			mutate(set)
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	reactions := set.Reactions
	if reactions == nil {
		reactions = []domain.Reaction{}
	}

	room := domain.ChannelRoom(meta.ChannelID)
	payload := ReactionPayload{MessageID: meta.ID, ChannelID: meta.ChannelID, Reactions: reactions}
	s.hub.Broadcast(room, EventMessageReaction, payload, uuid.Nil)
	s.hub.Broadcast(room, EventMessageReactionAlias, payload, uuid.Nil)

	return reactions, nil
}

func (s *reactionService) Reactions(ctx context.Context, messageID uuid.UUID) ([]domain.Reaction, error) {
	set, err := s.repo.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if set == nil {
		meta, err := s.directory.GetMessageMeta(ctx, messageID)
		if err != nil {
			return nil, err
		}
		set = seedReactions(meta.Reactions)
	}
	if set.Reactions == nil {
		return []domain.Reaction{}, nil
	}
	return set.Reactions, nil
}

// seedReactions приводит сохраненный список к канонической форме
func seedReactions(stored []domain.Reaction) *domain.ReactionSet {
	set := &domain.ReactionSet{Order: make(map[string]int, len(stored))}
	for _, r := range stored {
		if _, dup := set.Order[r.Emoji]; dup || len(r.Users) == 0 {
			continue
		}
		users := append([]uuid.UUID(nil), r.Users...)
		sortUsers(users)
		set.Order[r.Emoji] = len(set.Order)
		set.Reactions = append(set.Reactions, domain.Reaction{Emoji: r.Emoji, Count: len(users), Users: users})
	}
	return set
}

// replaceReactions ставит сохраненный список вместо текущего.
// Позиции уже встречавшихся эмодзи сохраняются, новые идут в конец.
func replaceReactions(set *domain.ReactionSet, committed []domain.Reaction) {
	if set.Order == nil {
		set.Order = make(map[string]int)
	}

	next := seedReactions(committed)
	for _, r := range next.Reactions {
		if _, ok := set.Order[r.Emoji]; !ok {
			set.Order[r.Emoji] = len(set.Order)
		}
	}
	set.Reactions = next.Reactions
	sort.SliceStable(set.Reactions, func(i, j int) bool {
		return set.Order[set.Reactions[i].Emoji] < set.Order[set.Reactions[j].Emoji]
	})
}

func validEmoji(emoji string) bool {
	return emoji != "" && utf8.RuneCountInString(emoji) <= maxEmojiLength
}

func toggleReaction(set *domain.ReactionSet, emoji string, userID uuid.UUID) {
	if set.Order == nil {
		set.Order = make(map[string]int)
	}

	for i := range set.Reactions {
		r := &set.Reactions[i]
		if r.Emoji != emoji {
			continue
		}
		idx := sort.Search(len(r.Users), func(j int) bool { return compareUUID(r.Users[j], userID) >= 0 })
		if idx < len(r.Users) && r.Users[idx] == userID {
			r.Users = append(r.Users[:idx], r.Users[idx+1:]...)
		} else {
			r.Users = append(r.Users, uuid.Nil)
			copy(r.Users[idx+1:], r.Users[idx:])
			r.Users[idx] = userID
		}
		r.Count = len(r.Users)
		if r.Count == 0 {
			set.Reactions = append(set.Reactions[:i], set.Reactions[i+1:]...)
		}
		return
	}

	if _, ok := set.Order[emoji]; !ok {
		// позиции не удаляются, поэтому len - следующая свободная
		set.Order[emoji] = len(set.Order)
	}
	set.Reactions = append(set.Reactions, domain.Reaction{Emoji: emoji, Count: 1, Users: []uuid.UUID{userID}})
	sort.SliceStable(set.Reactions, func(i, j int) bool {
		return set.Order[set.Reactions[i].Emoji] < set.Order[set.Reactions[j].Emoji]
	})
}

func sortUsers(users []uuid.UUID) {
	sort.Slice(users, func(i, j int) bool { return compareUUID(users[i], users[j]) < 0 })
}

func compareUUID(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}
