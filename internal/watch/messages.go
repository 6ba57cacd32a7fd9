package watch

import (
	"errors"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/elonfeng/fleawatch/internal/store"
	"github.com/elonfeng/fleawatch/pkg/alert"
	"github.com/elonfeng/fleawatch/pkg/directory"
	"github.com/elonfeng/fleawatch/pkg/source"
)

const HelpText = "🧠 **fleawatch**\n" +
	"• `/watch item max_price [once]`: watch a flea price\n" +
	"• `/listwatches`: show your watches\n" +
	"• `/unwatch item`: remove a watch\n" +
	"• `/clearwatches`: remove all your watches\n" +
	"• `/price item`: check the current price\n" +
	"• `/syncitems`: (admin) refresh the item dictionary"

const internalMessage = "❌ Something went wrong. Check the server logs."

var printer = message.NewPrinter(language.English)

// UserMessage turns a request error into a reply safe to show the user.
// input is the item text the user typed, echoed back on lookup failures.
func UserMessage(err error, input string) string {
	var (
		usage    *UsageError
		notFound *directory.NotFoundError
		limit    *store.LimitError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &usage):
		return "⚠️ Usage: `" + usage.Usage + "`"
	case errors.Is(err, ErrInvalidInput):
		return "⚠️ Missing scope, channel or user context."
	case errors.Is(err, directory.ErrEmpty):
		return "⚠️ Item dictionary is empty.\nRun `/syncitems` (admin) once to import all items."
	case errors.As(err, &notFound):
		if notFound.Input != "" {
			input = notFound.Input
		}
		return "❓ Couldn't match **" + input + "** in the item dictionary.\n" +
			"Try a more exact name, or run `/syncitems` if it's outdated."
	case errors.As(err, &limit):
		if limit.Scope == "scope" {
			return printer.Sprintf("🚫 This server already has the maximum of %d watches.", limit.Max)
		}
		return printer.Sprintf("🚫 You already have the maximum of %d watches. Remove one with /unwatch.", limit.Max)
	case errors.Is(err, ErrForbidden):
		return "⛔ This command is admin-only."
	case errors.Is(err, ErrSyncInProgress):
		return "⏳ A catalog sync is already queued."
	case errors.Is(err, source.ErrUnavailable):
		return "⚠️ The market is not answering right now. Try again in a minute."
	}
	return internalMessage
}

// IsUserFacing reports whether err has a specific user message rather than
// the generic internal-error reply.
func IsUserFacing(err error) bool {
	return err != nil && UserMessage(err, "") != internalMessage
}

// FormatWatchResult renders the reply to a successful watch request.
func FormatWatchResult(r *WatchResult) string {
	w := r.Watch
	if r.Outcome == store.Updated {
		return "♻️ Updated: **" + w.ItemName + "** ≤ **" + alert.FormatPrice(w.MaxPrice) + "**" + onceSuffix(w.Once)
	}
	return "✅ Watching **" + w.ItemName + "** at **≤ " + alert.FormatPrice(w.MaxPrice) + "**" + onceSuffix(w.Once)
}

// FormatWatchList renders a list reply.
func FormatWatchList(watches []store.Watch) string {
	var b strings.Builder
	b.WriteString("📌 **Your watches**\n")
	if len(watches) == 0 {
		b.WriteString("No watches yet. Add one with `/watch`.")
		return b.String()
	}
	for i, w := range watches {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("• " + w.ItemName + " ≤ " + alert.FormatPrice(w.MaxPrice) + onceSuffix(w.Once))
	}
	return b.String()
}

// FormatRemoved renders the reply to an unwatch request.
func FormatRemoved(input string, deleted int64) string {
	if deleted == 0 {
		return "ℹ️ No watch found for **" + input + "**."
	}
	if deleted == 1 {
		return "🧹 Removed watch for **" + input + "**."
	}
	return printer.Sprintf("🧹 Removed %d watches matching **%s**.", deleted, input)
}

// FormatCleared renders the reply to a clear request.
func FormatCleared(deleted int64) string {
	if deleted == 0 {
		return "ℹ️ You have no watches."
	}
	return printer.Sprintf("🧹 Removed all %d of your watches.", deleted)
}

func FormatSynced(n int) string {
	return printer.Sprintf("✅ Synced **%d** items.", n)
}

func FormatSyncQueued() string {
	return "⏳ Syncing item dictionary in the background…"
}

// FormatPriceCheck renders a price reply.
func FormatPriceCheck(pc *PriceCheck) string {
	name := directory.Label(pc.Item)
	if pc.Price <= 0 {
		return "ℹ️ No price data for **" + name + "** right now."
	}
	basis := "24h avg"
	if pc.Quote.Avg24h <= 0 {
		basis = "last low"
	}
	return "💰 **" + name + "** is at **" + alert.FormatPrice(pc.Price) + "** (" + basis + ")"
}

func onceSuffix(once bool) string {
	if once {
		return " (once)"
	}
	return ""
}
