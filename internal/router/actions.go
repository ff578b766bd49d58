package router

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/a-essam23/go-presence/internal/service"
	"github.com/a-essam23/go-presence/pkg/state"
)

func (r *CommandRouter) execute(cmd command) error {
	switch cmd.msg.Event {
	case "room.join":
		_, err := r.svc.JoinSocketToRoom(cmd.ctx, cmd.user, cmd.socketID, cmd.msg.Room, false)
		return err

	case "room.leave":
		_, err := r.svc.LeaveSocketFromRoom(cmd.ctx, cmd.user, cmd.socketID, cmd.msg.Room)
		return err

	case "room.message":
		_, err := r.svc.SendMessage(cmd.ctx, cmd.user, cmd.msg.Room, cmd.msg.Payload, cmd.bypass)
		return err

	case "room.history":
		payload := string(cmd.msg.Payload)
		sinceID := gjson.Get(payload, "sinceId").Uint()
		limit := int(gjson.Get(payload, "limit").Int())
		msgs, err := r.svc.GetMessages(cmd.ctx, cmd.user, cmd.msg.Room, sinceID, limit, cmd.bypass)
		if err != nil {
			return err
		}
		r.transport.SendToSocket(cmd.socketID, "room.history.result", struct {
			Room     string          `json:"room"`
			Messages []state.Message `json:"messages"`
		}{Room: cmd.msg.Room, Messages: msgs})
		return nil

	case "room.historyInfo":
		info, err := r.svc.HistoryInfo(cmd.ctx, cmd.user, cmd.msg.Room, cmd.bypass)
		if err != nil {
			return err
		}
		r.transport.SendToSocket(cmd.socketID, "room.historyInfo.result", struct {
			Room string            `json:"room"`
			Info state.HistoryInfo `json:"info"`
		}{Room: cmd.msg.Room, Info: info})
		return nil

	case "room.list.get":
		list := state.ListName(gjson.Get(string(cmd.msg.Payload), "list").String())
		names, err := r.svc.GetRoomList(cmd.ctx, cmd.user, cmd.msg.Room, list, cmd.bypass)
		if err != nil {
			return err
		}
		r.transport.SendToSocket(cmd.socketID, "room.list.result", struct {
			Room  string   `json:"room"`
			List  string   `json:"list"`
			Names []string `json:"names"`
		}{Room: cmd.msg.Room, List: string(list), Names: names})
		return nil

	case "room.list.add":
		list, names := listParams(cmd.msg.Payload)
		return r.svc.AddToRoomList(cmd.ctx, cmd.user, cmd.msg.Room, list, names, cmd.bypass)

	case "room.list.remove":
		list, names := listParams(cmd.msg.Payload)
		return r.svc.RemoveFromRoomList(cmd.ctx, cmd.user, cmd.msg.Room, list, names, cmd.bypass)

	case "room.mode":
		on := gjson.Get(string(cmd.msg.Payload), "whitelistOnly").Bool()
		return r.svc.SetWhitelistOnly(cmd.ctx, cmd.user, cmd.msg.Room, on, cmd.bypass)

	case "room.create":
		if !cmd.bypass {
			return state.ErrNotAllowed
		}
		payload := string(cmd.msg.Payload)
		owner := gjson.Get(payload, "owner").String()
		if owner == "" {
			owner = cmd.user
		}
		opts := service.RoomOptions{
			Owner:         owner,
			WhitelistOnly: gjson.Get(payload, "whitelistOnly").Bool(),
		}
		for _, name := range gjson.Get(payload, "whitelist").Array() {
			opts.Whitelist = append(opts.Whitelist, name.String())
		}
		return r.svc.MakeRoom(cmd.ctx, cmd.msg.Room, opts)

	case "room.delete":
		if !cmd.bypass {
			return state.ErrNotAllowed
		}
		return r.svc.DeleteRoom(cmd.ctx, cmd.msg.Room)

	case "room.seen":
		target := gjson.Get(string(cmd.msg.Payload), "user").String()
		seen, err := r.svc.LastSeen(cmd.ctx, cmd.user, cmd.msg.Room, target, cmd.bypass)
		if err != nil {
			return err
		}
		r.transport.SendToSocket(cmd.socketID, "room.seen.result", struct {
			Room string `json:"room"`
			User string `json:"user"`
			Seen string `json:"seen,omitempty"`
		}{Room: cmd.msg.Room, User: target, Seen: seenString(seen)})
		return nil
	}
	return fmt.Errorf("unknown event '%s'", cmd.msg.Event)
}

func listParams(payload []byte) (state.ListName, []string) {
	raw := string(payload)
	list := state.ListName(gjson.Get(raw, "list").String())
	var names []string
	for _, name := range gjson.Get(raw, "names").Array() {
		names = append(names, name.String())
	}
	return list, names
}
