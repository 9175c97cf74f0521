package privilege

const (
	GroupOwner                = "group.owner"
	GroupAdmin                = "group.admin"
	GroupModerator            = "group.moderator"
	GroupMember               = "group.member"
	GroupMembersManage        = "group.members.manage"
	GroupMembersAdd           = "group.members.add"
	GroupMembersRemove        = "group.members.remove"
	GroupRolesManage          = "group.roles.manage"
	GroupSettingsEdit         = "group.settings.edit"
	GroupPunishmentsManage    = "group.punishments.manage"
	GroupPunishmentsAdd       = "group.punishments.add"
	GroupPunishmentsMarkPaid  = "group.punishments.mark_paid"
	GroupPunishmentsDelete    = "group.punishments.delete"
	GroupPunishmentTypeManage = "group.punishment_types.manage"
)
