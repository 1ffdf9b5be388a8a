// Package progress displays a progress bar and a table of the latest statistics on the terminal.
package progress

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

// maxUpdateFrequency is the time between updates to the display of stats.
const maxUpdateFrequency = time.Millisecond * 200

type update struct {
	amount int
	rows   [][2]string
}

// Bar is a progress bar followed by a table of statistics, redrawn asynchronously so a slow terminal doesn't
// slow down the steps.
type Bar struct {
	numSteps int
	bar      *progressbar.ProgressBar

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	lastNumRows   int

	updates chan update
	done    sync.WaitGroup
}

// New creates and starts displaying a Bar for numSteps steps.
func New(description string, numSteps int) *Bar {
	b := &Bar{
		numSteps:      numSteps,
		isFirstOutput: true,
		termenv:       termenv.NewOutput(os.Stdout),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		statsTable: lgtable.New().
			Border(lipgloss.RoundedBorder()).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			}),
		updates: make(chan update, 100), // Large buffer so steps are not blocked.
	}
	b.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("%s (%d steps): ", description, numSteps)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	b.done.Add(1)
	go b.draw()
	return b
}

func (b *Bar) draw() {
	defer b.done.Done()
	for u := range b.updates {
		// Exhaust the updates in buffer.
		amount := u.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-b.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				u = newUpdate
			default:
				break exhaust
			}
		}

		// Clear the previous lines that will be overwritten.
		if !b.isFirstOutput {
			b.termenv.ClearLines(b.lastNumRows + 1 + 2)
		}
		b.isFirstOutput = false
		b.lastNumRows = len(u.rows)

		_ = b.bar.Add(amount)
		b.statsTable.Data(lgtable.NewStringData())
		fmt.Println()
		for _, row := range u.rows {
			b.statsTable.Row(row[0], row[1])
		}
		fmt.Println(b.statsStyle.Render(b.statsTable.String()))
		time.Sleep(maxUpdateFrequency)
	}
}

// Step reports one more step finished, with its statistics. Values are printed sorted by name.
func (b *Bar) Step(step int, stats map[string]string) {
	rows := make([][2]string, 0, len(stats)+1)
	rows = append(rows, [2]string{"Step", fmt.Sprintf("%d / %d", step, b.numSteps)})
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rows = append(rows, [2]string{name, stats[name]})
	}
	b.updates <- update{amount: 1, rows: rows}
}

// Done waits for the pending updates to be drawn.
func (b *Bar) Done() {
	close(b.updates)
	b.done.Wait()
	fmt.Println()
}
