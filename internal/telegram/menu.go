package telegram

import (
	tgModels "github.com/go-telegram/bot/models"
)

// Action is a menu button. The set is closed: callback data that does not
// name one of these is ignored.
type Action int

const (
	ActionNone Action = iota
	ActionBalance
	ActionTopUp
	ActionAutoRechargeOff
	ActionHelp
)

type menuItem struct {
	action Action
	label  string
	data   string
}

var menu = []menuItem{
	{ActionBalance, "Balance", "menu:balance"},
	{ActionTopUp, "Top up", "menu:topup"},
	{ActionAutoRechargeOff, "Turn off auto-recharge", "menu:autorecharge_off"},
	{ActionHelp, "Help", "menu:help"},
}

// ParseAction maps callback data back to its action.
func ParseAction(data string) Action {
	for _, item := range menu {
		if item.data == data {
			return item.action
		}
	}
	return ActionNone
}

func (a Action) String() string {
	for _, item := range menu {
		if item.action == a {
			return item.data
		}
	}
	return "none"
}

// Keyboard renders the menu two buttons per row.
func Keyboard() *tgModels.InlineKeyboardMarkup {
	var rows [][]tgModels.InlineKeyboardButton
	for i := 0; i < len(menu); i += 2 {
		row := []tgModels.InlineKeyboardButton{{Text: menu[i].label, CallbackData: menu[i].data}}
		if i+1 < len(menu) {
			row = append(row, tgModels.InlineKeyboardButton{Text: menu[i+1].label, CallbackData: menu[i+1].data})
		}
		rows = append(rows, row)
	}
	return &tgModels.InlineKeyboardMarkup{InlineKeyboard: rows}
}
