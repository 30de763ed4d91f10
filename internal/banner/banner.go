package banner

import (
	"gander/internal/tui/styles"

	"github.com/charmbracelet/lipgloss"
)

func GetString() string {
	renderer := lipgloss.DefaultRenderer()

	style := renderer.NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)

	ascii := `
  ____                 _
 / ___| __ _ _ __   __| | ___ _ __
| |  _ / _' | '_ \ / _' |/ _ \ '__|
| |_| | (_| | | | | (_| |  __/ |
 \____|\__,_|_| |_|\__,_|\___|_|`

	return "\n" + style.Render(ascii) + "\n"
}
