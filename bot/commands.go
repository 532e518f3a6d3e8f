package bot

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"
)

// errUnknownCommand is swallowed by the dispatcher.
var errUnknownCommand = errors.New("command not recognized")

type commandCall struct {
	User string
	Args []string
}

type commandFunc func(w *Worker, c commandCall) error

// commandNames is the order !commands lists them in.
var commandNames = []string{"hello", "dice", "points", "top", "joke", "time", "coin", "commands"}

var commands = map[string]commandFunc{
	"hello":    cmdHello,
	"dice":     cmdDice,
	"points":   cmdPoints,
	"top":      cmdTop,
	"joke":     cmdJoke,
	"time":     cmdTime,
	"coin":     cmdCoin,
	"commands": cmdCommands,
}

var jokes = []string{
	"Why did the Go gopher go to therapy? Too many unresolved dependencies!",
	"Why do programmers prefer dark mode? Because light attracts bugs!",
	"How does a programmer order coffee? Java, please!",
	"Why can't the bot keep a secret? It writes everything to the logs!",
	"What is a bug in the jungle? An insect that learned to code!",
	"Why did the CSS go to therapy? It had alignment issues!",
}

// parseCommand splits "<prefix>name args..." into a lowercased name and args.
func parseCommand(prefix, text string) (string, []string, bool) {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func runCommand(w *Worker, name string, c commandCall) error {
	fn, ok := commands[name]
	if !ok {
		return errUnknownCommand
	}
	return fn(w, c)
}

func cmdHello(w *Worker, c commandCall) error {
	w.say(fmt.Sprintf("Hello @%s! Welcome to the chat!", c.User))
	w.logf(LevelBot, "[%s] greeting %s", w.channel, c.User)
	return nil
}

func cmdDice(w *Worker, c commandCall) error {
	n := rand.IntN(6) + 1 //nolint:gosec // G404: chat game, not security sensitive
	w.say(fmt.Sprintf("@%s rolled a %d!", c.User, n))
	w.logf(LevelBot, "[%s] %s rolled %d", w.channel, c.User, n)
	return nil
}

func cmdPoints(w *Worker, c commandCall) error {
	w.mu.RLock()
	pts := w.points[c.User]
	w.mu.RUnlock()
	w.say(fmt.Sprintf("@%s has %d points!", c.User, pts))
	return nil
}

func cmdTop(w *Worker, _ commandCall) error {
	top := w.topUsers(5)
	if len(top) == 0 {
		w.say("Top 5: nobody has points yet")
		return nil
	}
	parts := make([]string, len(top))
	for i, u := range top {
		parts[i] = fmt.Sprintf("%d. %s: %dpts", i+1, u.name, u.points)
	}
	w.say("Top 5: " + strings.Join(parts, " | "))
	return nil
}

func cmdJoke(w *Worker, _ commandCall) error {
	w.say(jokes[rand.IntN(len(jokes))]) //nolint:gosec // G404: not security sensitive
	return nil
}

func cmdTime(w *Worker, _ commandCall) error {
	w.say("Current time: " + time.Now().Format("15:04:05"))
	return nil
}

func cmdCoin(w *Worker, c commandCall) error {
	side := "heads"
	if rand.IntN(2) == 1 { //nolint:gosec // G404: not security sensitive
		side = "tails"
	}
	w.say(fmt.Sprintf("@%s flipped a coin... %s!", c.User, side))
	return nil
}

func cmdCommands(w *Worker, _ commandCall) error {
	names := make([]string, len(commandNames))
	for i, n := range commandNames {
		names[i] = w.cfg.Prefix + n
	}
	w.say("Commands: " + strings.Join(names, ", "))
	return nil
}

type userPoints struct {
	name   string
	points int
}

// topUsers returns up to n users by points, ties broken by name.
func (w *Worker) topUsers(n int) []userPoints {
	w.mu.RLock()
	all := make([]userPoints, 0, len(w.points))
	for u, p := range w.points {
		all = append(all, userPoints{u, p})
	}
	w.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		if all[i].points != all[j].points {
			return all[i].points > all[j].points
		}
		return all[i].name < all[j].name
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}
