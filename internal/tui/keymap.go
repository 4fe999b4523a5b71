package tui

// Key binding constants used in handleKey.
const (
	KeyQuit       = "q"
	KeyCtrlC      = "ctrl+c"
	KeyRecord     = "r"
	KeySpace      = " "
	KeyTranscribe = "t"
	KeyUp         = "up"
	KeyDown       = "down"
	KeyJ          = "j"
	KeyK          = "k"
	KeyEnter      = "enter"
	KeyNewline    = "ctrl+j"
	KeyClear      = "c"
	KeySave       = "s"
	KeyOpen       = "o"
	KeyCommand    = ":"
	KeyEscape     = "esc"
	KeyBackspace  = "backspace"
	KeyHelp       = "?"
)
