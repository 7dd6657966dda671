package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/botfleet/internal/domain"
	"github.com/alejandrodnm/botfleet/internal/ports"
)

// Console implementa ports.Notifier escribiendo a stdout. Best effort:
// nunca devuelve error por un problema de formato.
type Console struct {
	out io.Writer
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// Notify imprime el evento en una línea.
func (c *Console) Notify(_ context.Context, ev ports.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	name := ev.BotName
	if name == "" {
		name = shortID(ev.BotID)
	}
	fmt.Fprintf(c.out, "[%s] %s %s (owner %s): %s\n",
		at.Format("15:04:05"), strings.ToUpper(string(ev.Kind)), name, shortID(ev.OwnerID), ev.Reason)
	return nil
}

// PrintFleet imprime el estado de la flota como tabla.
func (c *Console) PrintFleet(bots []domain.Bot) {
	if len(bots) == 0 {
		fmt.Fprintf(c.out, "[%s] fleet empty\n", time.Now().UTC().Format("15:04:05"))
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Bot", "Exchange", "Pair", "Risk", "Stage", "Capital", "Alloc", "Inject", "Trades/d", "Q")

	for _, b := range bots {
		name := b.Name
		if name == "" {
			name = shortID(b.ID)
		}
		table.Append(
			name,
			b.Exchange,
			b.Pair,
			string(b.RiskMode),
			stageLabel(b.Stage),
			fmt.Sprintf("%.2f", b.CurrentCapital),
			fmt.Sprintf("%.2f", b.AllocatedCapital),
			fmt.Sprintf("%.2f", b.TotalInjections),
			fmt.Sprintf("%d", b.DailyTradeCount),
			fmt.Sprintf("%d", b.QuarantineCount),
		)
	}

	table.Render()
}

func stageLabel(s domain.Stage) string {
	switch s {
	case domain.StagePaperTraining:
		return "PAPER"
	case domain.StageLiveTrading:
		return "LIVE"
	case domain.StageQuarantined:
		return "QUAR"
	case domain.StageMarkedForDeletion:
		return "DEL"
	case domain.StagePaused:
		return "PAUSE"
	case domain.StageStopped:
		return "STOP"
	}
	return string(s)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
