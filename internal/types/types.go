package types

import (
	"time"
)

type User struct {
	Id        int    `json:"id"`
	Username  string `json:"username"`
	AvatarUrl string `json:"avatarUrl,omitempty"`
	IsOnline  bool   `json:"isOnline,omitempty"`
}

type Room struct {
	Id          int       `json:"id"`
	ExternalId  string    `json:"externalId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OnlineUsers []int     `json:"onlineUsers"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// ReplyPreview is a truncated view of the message being replied to.
type ReplyPreview struct {
	Id       int    `json:"id"`
	UserId   int    `json:"userId"`
	Username string `json:"username"`
	Content  string `json:"content"`
}

// ReactionGroup aggregates reactions by emoji. Count is the number of
// distinct users, not rows.
type ReactionGroup struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
	Users []int  `json:"users"`
}

type Message struct {
	Id             int             `json:"id"`
	RoomId         string          `json:"roomId"`
	UserId         int             `json:"userId"`
	Author         User            `json:"author"`
	Content        string          `json:"content"`
	MessageType    string          `json:"messageType"`
	ReplyToId      *int            `json:"replyToId,omitempty"`
	ReplyTo        *ReplyPreview   `json:"replyTo,omitempty"`
	MediaUrl       string          `json:"mediaUrl,omitempty"`
	WordCount      int             `json:"wordCount"`
	CharacterCount int             `json:"characterCount"`
	IsEdited       bool            `json:"isEdited"`
	EditedAt       *time.Time      `json:"editedAt,omitempty"`
	Reactions      []ReactionGroup `json:"reactions"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// GroupReactions folds reaction rows into per-emoji groups, keeping the
// order in which each emoji first appears. A user is counted once per emoji.
func GroupReactions[R interface {
	GetEmoji() string
	GetUserId() int
}](rows []R) []ReactionGroup {
	groups := make([]ReactionGroup, 0)
	index := make(map[string]int)
	seen := make(map[string]map[int]struct{})

	for _, r := range rows {
		emoji := r.GetEmoji()
		i, ok := index[emoji]
		if !ok {
			i = len(groups)
			index[emoji] = i
			groups = append(groups, ReactionGroup{Emoji: emoji, Users: []int{}})
			seen[emoji] = make(map[int]struct{})
		}

		if _, dup := seen[emoji][r.GetUserId()]; dup {
			continue
		}
		seen[emoji][r.GetUserId()] = struct{}{}
		groups[i].Users = append(groups[i].Users, r.GetUserId())
		groups[i].Count++
	}

	return groups
}
