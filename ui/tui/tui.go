package tui

import (
	"context"
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/zibrolabs/zibro/backend"
	"github.com/zibrolabs/zibro/storage/convdb"
)

type App interface {
	SendMessageHandler(ctx context.Context, friendID string, msg string) error
	OpenConversation(ctx context.Context, friendID string) ([]convdb.Message, error)
	AddFriend(ctx context.Context, uid string) (string, error)
	AcceptFriendRequests(ctx context.Context) (int, error)
	StartCall(ctx context.Context, friendID string, name string) error
	AnswerCall(ctx context.Context) error
	DeclineCall()
	EndCall()
	ToggleMute() bool
}

// =============================================================================

type TUI struct {
	tviewApp *tview.Application
	flex     *tview.Flex
	list     *tview.List
	textView *tview.TextView
	textArea *tview.TextArea
	button   *tview.Button
	app      App
}

func New(userName string, contacts []backend.Friend) *TUI {
	var ui TUI

	app := tview.NewApplication()

	// -------------------------------------------------------------------------

	textView := tview.NewTextView().
		SetTextAlign(tview.AlignLeft).
		SetWordWrap(true).
		SetChangedFunc(func() {
			app.Draw()
		})

	textView.SetBorder(true)
	textView.SetTitle(fmt.Sprintf("*** %s ***", userName))

	// -------------------------------------------------------------------------

	list := tview.NewList()
	list.SetBorder(true)
	list.SetTitle("Friends")
	list.SetChangedFunc(func(idx int, name string, id string, shortcut rune) {
		textView.Clear()

		if ui.app == nil {
			return
		}

		msgs, err := ui.app.OpenConversation(context.Background(), id)
		if err != nil {
			textView.ScrollToEnd()
			fmt.Fprintln(textView, "-----")
			fmt.Fprintln(textView, err.Error())
		}

		for i, msg := range msgs {
			who := "You"
			if !msg.IsOwn {
				who = name
			}
			fmt.Fprintf(textView, "%s [%s]: %s\n", who, msg.Timestamp.Local().Format("15:04"), msg.Text)
			if i < len(msgs)-1 {
				fmt.Fprintln(textView, "-----")
			}
		}
	})

	for i, friend := range contacts {
		shortcut := rune(i + 49)
		list.AddItem(friend.Name, friend.FID, shortcut, nil)
	}

	// -------------------------------------------------------------------------

	button := tview.NewButton("SUBMIT")
	button.SetStyle(tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorGreen).Bold(true))
	button.SetActivatedStyle(tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorGreen).Bold(true))
	button.SetBorder(true)
	button.SetBorderColor(tcell.ColorGreen)

	// -------------------------------------------------------------------------

	textArea := tview.NewTextArea()
	textArea.SetWrap(false)
	textArea.SetPlaceholder("Enter message here...")
	textArea.SetBorder(true)
	textArea.SetBorderPadding(0, 0, 1, 0)

	// -------------------------------------------------------------------------

	flex := tview.NewFlex().
		AddItem(list, 20, 1, false).
		AddItem(tview.NewFlex().
			SetDirection(tview.FlexRow).
			AddItem(textView, 0, 5, false).
			AddItem(tview.NewFlex().
				SetDirection(tview.FlexColumn).
				AddItem(textArea, 0, 90, false).
				AddItem(button, 0, 10, false),
				0, 1, false),
			0, 1, false)

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlQ:
			app.Stop()
			return nil

		case tcell.KeyF2:
			ui.callHandler()
			return nil

		case tcell.KeyF3:
			if ui.app != nil {
				if err := ui.app.AnswerCall(context.Background()); err != nil {
					ui.WriteText("system", err.Error())
				}
			}
			return nil

		case tcell.KeyF4:
			if ui.app != nil {
				ui.app.DeclineCall()
				ui.app.EndCall()
			}
			return nil

		case tcell.KeyF5:
			if ui.app != nil {
				ui.app.ToggleMute()
			}
			return nil

		case tcell.KeyF6:
			ui.addFriendHandler()
			return nil

		case tcell.KeyF7:
			ui.acceptRequestsHandler()
			return nil
		}

		return event
	})

	ui.tviewApp = app
	ui.flex = flex
	ui.list = list
	ui.textView = textView
	ui.textArea = textArea
	ui.button = button

	button.SetSelectedFunc(ui.buttonHandler)

	textArea.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEnter:
			ui.buttonHandler()
			return nil
		}
		return event
	})

	return &ui
}

func (ui *TUI) SetApp(app App) {
	ui.app = app
}

func (ui *TUI) Run() error {
	return ui.tviewApp.SetRoot(ui.flex, true).EnableMouse(true).Run()
}

func (ui *TUI) Stop() {
	ui.tviewApp.Stop()
}

func (ui *TUI) WriteText(id string, msg string) {
	ui.textView.ScrollToEnd()

	switch id {
	case "system":
		fmt.Fprintln(ui.textView, "-----")
		fmt.Fprintln(ui.textView, msg)

	default:
		idx := ui.list.GetCurrentItem()

		_, currentID := ui.list.GetItemText(idx)
		if currentID == "" {
			fmt.Fprintln(ui.textView, "-----")
			fmt.Fprintln(ui.textView, "id not found: "+id)
			return
		}

		if id == currentID {
			fmt.Fprintln(ui.textView, "-----")
			fmt.Fprintln(ui.textView, msg)
			return
		}

		for i := 0; i < ui.list.GetItemCount(); i++ {
			name, idStr := ui.list.GetItemText(i)
			if id == idStr {
				ui.list.SetItemText(i, "* "+name, idStr)
				ui.tviewApp.Draw()
				return
			}
		}
	}
}

func (ui *TUI) UpdateContact(id string, name string) {
	shortcut := rune(ui.list.GetItemCount() + 49)
	ui.list.AddItem(name, id, shortcut, nil)
}

// SetCallStatus reflects the call state in the friends pane title.
func (ui *TUI) SetCallStatus(status string) {
	if status == "" {
		ui.list.SetTitle("Friends")
	} else {
		ui.list.SetTitle(fmt.Sprintf("Friends (%s)", status))
	}
	ui.tviewApp.Draw()
}

// =============================================================================

func (ui *TUI) buttonHandler() {
	_, to := ui.list.GetItemText(ui.list.GetCurrentItem())

	msg := ui.textArea.GetText()
	if msg == "" {
		return
	}

	if err := ui.app.SendMessageHandler(context.Background(), to, msg); err != nil {
		ui.WriteText("system", fmt.Sprintf("Error sending message: %s", err))
		return
	}

	ui.textArea.SetText("", false)
}

// addFriendHandler sends a friend request to the UID typed in the input
// area.
func (ui *TUI) addFriendHandler() {
	if ui.app == nil {
		return
	}

	uid := ui.textArea.GetText()
	if uid == "" {
		ui.WriteText("system", "Type a friend's UID in the input area, then press F6")
		return
	}

	ui.textArea.SetText("", false)

	go func() {
		name, err := ui.app.AddFriend(context.Background(), uid)
		if err != nil {
			ui.WriteText("system", fmt.Sprintf("Error adding friend: %s", err))
			return
		}
		ui.WriteText("system", fmt.Sprintf("Friend request sent to %s", name))
	}()
}

// acceptRequestsHandler accepts every pending received friend request;
// accepted friends land in the contact list.
func (ui *TUI) acceptRequestsHandler() {
	if ui.app == nil {
		return
	}

	go func() {
		accepted, err := ui.app.AcceptFriendRequests(context.Background())
		if err != nil {
			ui.WriteText("system", fmt.Sprintf("Error accepting requests: %s", err))
			return
		}
		if accepted == 0 {
			ui.WriteText("system", "No pending friend requests")
			return
		}
		ui.WriteText("system", fmt.Sprintf("Accepted %d friend request(s)", accepted))
	}()
}

func (ui *TUI) callHandler() {
	if ui.app == nil {
		return
	}

	name, to := ui.list.GetItemText(ui.list.GetCurrentItem())
	if to == "" {
		return
	}

	go func() {
		if err := ui.app.StartCall(context.Background(), to, name); err != nil {
			ui.WriteText("system", fmt.Sprintf("Error starting call: %s", err))
		}
	}()
}
