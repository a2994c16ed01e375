package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/arcano/internal/models"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier pushes job results and admin broadcasts to linked Telegram chats.
type Notifier struct {
	api sender
	log *slog.Logger
}

func NewNotifier(token string, log *slog.Logger) (*Notifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newNotifier(api, log), nil
}

func newNotifier(api sender, log *slog.Logger) *Notifier {
	return &Notifier{api: api, log: log}
}

var toolTitles = map[models.Tool]string{
	models.ToolUpscaler:           "Upscaler",
	models.ToolPoseChanger:        "Pose changer",
	models.ToolClothingSwap:       "Clothing swap",
	models.ToolCharacterGenerator: "Character generator",
	models.ToolVideoUpscaler:      "Video upscaler",
}

// JobFinished tells the user how a job ended. Completed image jobs are sent
// as a photo, everything else as text.
func (n *Notifier) JobFinished(ctx context.Context, chatID int64, job *models.Job) error {
	if chatID == 0 || job == nil || !job.Status.Terminal() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg tgbotapi.Chattable
	text := jobMessage(job)
	if job.Status == models.JobCompleted && job.OutputURL != "" && job.Tool != models.ToolVideoUpscaler {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(job.OutputURL))
		photo.Caption = text
		msg = photo
	} else {
		msg = tgbotapi.NewMessage(chatID, text)
	}

	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("send job notification: %w", err)
	}
	return nil
}

func jobMessage(job *models.Job) string {
	title := toolTitles[job.Tool]
	if title == "" {
		title = string(job.Tool)
	}
	switch job.Status {
	case models.JobCompleted:
		if job.Tool == models.ToolVideoUpscaler && job.OutputURL != "" {
			return fmt.Sprintf("%s finished: %s", title, job.OutputURL)
		}
		return title + " finished."
	case models.JobFailed:
		var b strings.Builder
		fmt.Fprintf(&b, "%s failed", title)
		if job.ErrorMessage != "" {
			fmt.Fprintf(&b, ": %s", job.ErrorMessage)
		}
		if job.Refunded {
			fmt.Fprintf(&b, ". %d credits were returned", job.Cost)
		}
		b.WriteString(".")
		return b.String()
	default:
		if job.Refunded {
			return fmt.Sprintf("%s cancelled. %d credits were returned.", title, job.Cost)
		}
		return title + " cancelled."
	}
}

// Broadcast sends text to every chat and returns how many deliveries worked.
func (n *Notifier) Broadcast(ctx context.Context, chatIDs []int64, text string) int {
	sent := 0
	for _, id := range chatIDs {
		if ctx.Err() != nil {
			break
		}
		if _, err := n.api.Send(tgbotapi.NewMessage(id, text)); err != nil {
			n.log.Error("send broadcast", "chat_id", id, "err", err)
			continue
		}
		sent++
	}
	return sent
}
