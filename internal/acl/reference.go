package acl

import "context"

// SeedReference loads the reference workshop into admin: tool 1
// "test_tool", maintainer user1 holding cards 00112233445566 and aabbccdd,
// user2 (card 22222222) with user permission and user3 (card 33333333)
// with none. It matches the SQL seed shipped with the postgres schema.
func SeedReference(ctx context.Context, admin Admin) error {
	members := []Member{
		{User: User{ID: 1, Nick: "user1", Subscribed: true}, Cards: []CardID{0x00112233445566, 0xaabbccdd}},
		{User: User{ID: 2, Nick: "user2", Subscribed: true}, Cards: []CardID{0x22222222}},
		{User: User{ID: 3, Nick: "user3", Subscribed: true}, Cards: []CardID{0x33333333}},
	}
	if err := admin.ReplaceMembers(ctx, members); err != nil {
		return err
	}
	if err := admin.PutTool(ctx, Tool{ID: 1, Name: "test_tool", Status: Online, StatusMessage: "working ok"}); err != nil {
		return err
	}
	for _, p := range []Permission{
		{ToolID: 1, UserID: 1, Level: LevelMaintainer},
		{ToolID: 1, UserID: 2, Level: LevelUser, AddedBy: 1},
	} {
		if err := admin.PutPermission(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
