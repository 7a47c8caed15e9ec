package app

import (
	"context"
	"fmt"
	"time"

	"secure_exchange/internal/model"
	"secure_exchange/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	// Viewer is a terminal inbox: incoming envelopes are processed as their
	// notifications arrive, and typed lines are sent to one counterparty.
	Viewer struct {
		app   *tview.Application
		inbox *tview.TextView
		input *tview.InputField

		client   *App
		box      *Inbox
		to       string
		dataType model.DataType
	}
)

func NewViewer(client *App, box *Inbox, to string, dataType model.DataType) *Viewer {
	return &Viewer{
		app:      tview.NewApplication(),
		client:   client,
		box:      box,
		to:       to,
		dataType: dataType,
	}
}

// Run blocks until the user quits or ctx is done.
func (v *Viewer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	v.inbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	v.inbox.SetBorder(true).SetTitle(fmt.Sprintf(" Inbox of %s ", v.client.Address()))

	v.input = tview.NewInputField().
		SetLabel(fmt.Sprintf("%s to %s: ", v.dataType, v.to)).
		SetFieldWidth(0)
	v.input.SetBorder(true).SetTitle(" Send ")

	v.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter || v.to == "" {
			return
		}
		text := v.input.GetText()
		if text == "" {
			return
		}
		v.input.SetText("")
		go v.send(ctx, text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(v.inbox, 0, 1, false).
		AddItem(v.input, 3, 0, true)

	go v.drain(ctx)
	go func() {
		if err := v.client.Watch(ctx, func(model.Notification) { v.drain(ctx) }); err != nil {
			log.Error("watch failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		v.app.Stop()
	}()

	return v.app.SetRoot(layout, true).SetFocus(v.input).Run()
}

func (v *Viewer) send(ctx context.Context, text string) {
	resp, err := v.client.Send(ctx, v.to, v.dataType, []byte(text))
	v.app.QueueUpdateDraw(func() {
		if err != nil {
			fmt.Fprintf(v.inbox, "[red]send failed:[-] %v\n", err)
		} else {
			fmt.Fprintf(v.inbox, "[yellow]You:[-] %s [gray](%s, %s)[-]\n", text, resp.MessageID, resp.DeliveryStatus)
		}
		v.inbox.ScrollToEnd()
	})
}

func (v *Viewer) drain(ctx context.Context) {
	results, err := v.box.Process(ctx, "", 0)
	if err != nil {
		log.Warn("process inbox failed", zap.Error(err))
		return
	}
	if len(results) == 0 {
		return
	}
	v.app.QueueUpdateDraw(func() {
		for _, r := range results {
			stamp := time.Now().Format(time.TimeOnly)
			if r.Err != nil {
				fmt.Fprintf(v.inbox, "[gray]%s[-] [red]%s %s:[-] %v\n", stamp, r.Sender, r.DataType, r.Err)
				continue
			}
			fmt.Fprintf(v.inbox, "[gray]%s[-] [green]%s %s:[-] %s\n", stamp, r.Sender, r.DataType, tview.Escape(string(r.Plaintext)))
		}
		v.inbox.ScrollToEnd()
	})
}
