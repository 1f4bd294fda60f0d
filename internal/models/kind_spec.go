package models

// KindSpec describes how records of one Kind are written to the remote store.
type KindSpec struct {
	// Table is the remote table receiving the created row.
	Table string `mapstructure:"table" json:"table"`
	// OwnerColumn receives the record's OwnerID.
	OwnerColumn string `mapstructure:"owner_column" json:"owner_column"`
	// PhotosField receives the URLs of RolePhoto attachments, in capture order.
	PhotosField string `mapstructure:"photos_field" json:"photos_field"`
	// RoleFields maps a named attachment role to a single URL field.
	RoleFields map[string]string `mapstructure:"role_fields" json:"role_fields"`
	// MatchFields identify the logical subject for duplicate detection.
	MatchFields []string `mapstructure:"match_fields" json:"match_fields"`
	// FollowUps run after the row is created, in order.
	FollowUps []FollowUp `mapstructure:"follow_ups" json:"follow_ups"`
}

// FollowUp updates another remote row once the primary row exists, e.g.
// flagging the originating lead as converted.
type FollowUp struct {
	Table string `mapstructure:"table" json:"table"`
	// KeyField names the payload field holding the target row id.
	KeyField string                 `mapstructure:"key_field" json:"key_field"`
	Set      map[string]interface{} `mapstructure:"set" json:"set"`
}

// FieldForRole returns the payload field an attachment of the given role is
// written to, and whether the field holds an array of URLs.
func (s KindSpec) FieldForRole(role string) (field string, array bool) {
	if role != "" && role != RolePhoto {
		if f, ok := s.RoleFields[role]; ok {
			return f, false
		}
	}
	return s.PhotosField, true
}

// DefaultKindSpecs returns the remote mapping used when no configuration
// overrides it.
func DefaultKindSpecs() map[Kind]KindSpec {
	return map[Kind]KindSpec{
		KindChecklist: {
			Table:       "checklists_instalacao",
			OwnerColumn: "instalador_id",
			PhotosField: "fotos_urls",
			RoleFields: map[string]string{
				RoleClientSignature:    "assinatura_cliente_url",
				RoleInstallerSignature: "assinatura_instalador_url",
			},
			MatchFields: []string{"lead_id"},
		},
		KindLeadConversion: {
			Table:       "clientes",
			OwnerColumn: "vendedor_id",
			PhotosField: "documentos_urls",
			MatchFields: []string{"telefone"},
			FollowUps: []FollowUp{
				{Table: "leads", KeyField: "lead_id", Set: map[string]interface{}{"status": "convertido"}},
			},
		},
	}
}
