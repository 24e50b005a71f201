package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Store is the persistence collaborator the router consumes.
type Store interface {
	AppendMessage(ctx context.Context, channelID string, msg *Message) error
	// ListMessages returns a channel's history oldest first.
	ListMessages(ctx context.Context, channelID string) ([]Message, error)
	AppendStatusUpdate(ctx context.Context, u *StatusUpdate) error
	// ListStatusUpdates returns a patient's updates newest first.
	ListStatusUpdates(ctx context.Context, patientID string) ([]StatusUpdate, error)
	// FindChannelForPatient returns the case channel for a patient, or
	// ErrChannelNotFound.
	FindChannelForPatient(ctx context.Context, patientID string) (string, error)
}

var ErrChannelNotFound = errors.New("no channel for patient")

const historyLimit = 200

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AppendMessage(ctx context.Context, channelID string, msg *Message) error {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	raw, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}

	query := `INSERT INTO messages (id, channel_id, type, sender_id, sender_name, content, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.db.ExecContext(ctx, query,
		msg.ID, channelID, string(msg.Type), msg.SenderID, msg.SenderName, msg.Content, raw, msg.CreatedAt)
	return err
}

func (r *Repository) ListMessages(ctx context.Context, channelID string) ([]Message, error) {
	// Newest window, flipped back to chronological order.
	query := `
		SELECT id, channel_id, type, sender_id, sender_name, content, attachments, created_at
		FROM (
			SELECT * FROM messages
			WHERE channel_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, channelID, historyLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			msg     Message
			msgType string
			raw     []byte
		)
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msgType, &msg.SenderID, &msg.SenderName, &msg.Content, &raw, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Type = MessageType(msgType)
		msg.Attachments = []Attachment{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &msg.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments of %s: %w", msg.ID, err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *Repository) AppendStatusUpdate(ctx context.Context, u *StatusUpdate) error {
	query := `INSERT INTO status_updates (id, patient_id, status, created_by, location, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.ExecContext(ctx, query,
		u.ID, u.PatientID, u.Status, u.CreatedBy, nullString(u.Location), nullString(u.Details), u.CreatedAt)
	return err
}

func (r *Repository) ListStatusUpdates(ctx context.Context, patientID string) ([]StatusUpdate, error) {
	query := `
		SELECT id, patient_id, status, created_by, location, details, created_at
		FROM status_updates
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, patientID, historyLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	updates := []StatusUpdate{}
	for rows.Next() {
		var (
			u                 StatusUpdate
			location, details sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.PatientID, &u.Status, &u.CreatedBy, &location, &details, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Location = location.String
		u.Details = details.String
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func (r *Repository) FindChannelForPatient(ctx context.Context, patientID string) (string, error) {
	var channelID string
	query := "SELECT id FROM cases WHERE patient_id = $1 ORDER BY created_at DESC LIMIT 1"
	err := r.db.QueryRowContext(ctx, query, patientID).Scan(&channelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrChannelNotFound
		}
		return "", err
	}
	return channelID, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
