package core

import (
	"context"
	"io"

	"github.com/airtv-go/airtv/internal/models"
)

// RemoteControl drives navigation and playback.
type RemoteControl interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Left(ctx context.Context) error
	Right(ctx context.Context) error
	Select(ctx context.Context) error
	Menu(ctx context.Context) error
	Home(ctx context.Context) error
	TopMenu(ctx context.Context) error

	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	PlayPause(ctx context.Context) error
	Stop(ctx context.Context) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	SkipForward(ctx context.Context, seconds float64) error
	SkipBackward(ctx context.Context, seconds float64) error

	SetPosition(ctx context.Context, seconds int) error
	SetShuffle(ctx context.Context, state models.ShuffleState) error
	SetRepeat(ctx context.Context, state models.RepeatState) error
}

// Artwork is one piece of cover art.
type Artwork struct {
	Bytes       []byte
	ContentType string
	Width       int
	Height      int
}

// Metadata reads what a device is playing.
type Metadata interface {
	Playing(ctx context.Context) (*models.Playing, error)
	// Artwork fetches cover art, downscaled to fit width x height when both
	// are positive.
	Artwork(ctx context.Context, width, height int) (*Artwork, error)
}

// Power reads and changes device power state.
type Power interface {
	PowerState() models.PowerState
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
}

// Audio controls volume.
type Audio interface {
	Volume() float64 // percent, 0-100
	SetVolume(ctx context.Context, volume float64) error
	VolumeUp(ctx context.Context) error
	VolumeDown(ctx context.Context) error
}

// App is an installed application.
type App struct {
	Name       string
	Identifier string
}

// Apps lists and launches applications.
type Apps interface {
	AppList(ctx context.Context) ([]App, error)
	LaunchApp(ctx context.Context, bundleID string) error
}

// UserAccount is one account configured on the device.
type UserAccount struct {
	Name       string
	Identifier string
}

// UserAccounts lists and switches device accounts.
type UserAccounts interface {
	AccountList(ctx context.Context) ([]UserAccount, error)
	SwitchAccount(ctx context.Context, accountID string) error
}

// Keyboard interacts with the virtual keyboard of the device.
type Keyboard interface {
	TextGet(ctx context.Context) (string, error)
	TextSet(ctx context.Context, text string) error
	TextAppend(ctx context.Context, text string) error
	TextClear(ctx context.Context) error
}

// TouchAction is a phase of a touch gesture.
type TouchAction int

const (
	TouchPress TouchAction = iota + 1
	TouchHold
	TouchRelease
	TouchClick
)

// TouchGestures performs trackpad-style gestures.
type TouchGestures interface {
	Swipe(ctx context.Context, startX, startY, endX, endY, durationMs int) error
	TouchAction(ctx context.Context, x, y int, action TouchAction) error
	TouchClick(ctx context.Context, action TouchAction) error
}

// Stream plays externally supplied media on the device.
type Stream interface {
	PlayURL(ctx context.Context, url string) error
	StreamFile(ctx context.Context, source io.Reader) error
	StopStream(ctx context.Context) error
}

// PushListener receives asynchronous playstatus updates.
type PushListener interface {
	PlaystatusUpdate(playing *models.Playing)
	PlaystatusError(err error)
}

// PushUpdater delivers push updates from a protocol-native source. The
// returned cancel function removes the listener; forgetting a listener
// stops delivery without tearing down the source.
type PushUpdater interface {
	Active() bool
	Start(ctx context.Context) error
	Stop()
	Subscribe(listener PushListener) (cancel func())
}
