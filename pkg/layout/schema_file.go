package layout

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// schemaFile is the on-disk form of a schema.
type schemaFile struct {
	Sections []Section `yaml:"sections"`
}

// ParseSchema decodes a YAML schema document.
func ParseSchema(data []byte) (*Schema, error) {
	var file schemaFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, schemaError("failed to parse schema", err)
	}

	return NewSchema(file.Sections)
}

// MarshalSchema encodes a schema as YAML, in the format ParseSchema accepts.
func MarshalSchema(s *Schema) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(schemaFile{Sections: s.Sections()}); err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	return buf.Bytes(), nil
}

// DefaultSchema returns the built-in character sheet schema.
func DefaultSchema() *Schema {
	return MustSchema([]Section{
		{
			Key:   "summary",
			Label: "Resumo (pagina 1)",
			Children: []Subsection{
				{Key: "summary_stats", Label: "Vida/CA/Percepcao"},
				{Key: "summary_attributes", Label: "Atributos"},
				{Key: "summary_defenses", Label: "Defesas"},
				{Key: "summary_skills", Label: "Pericias"},
			},
		},
		{
			Key:   "talents_equipment",
			Label: "Talentos e Equipamentos",
			Children: []Subsection{
				{Key: "talents", Label: "Talentos"},
				{Key: "equipment", Label: "Equipamentos"},
				{Key: "inventory_notes", Label: "Anotacoes de Inventario"},
			},
		},
		{
			Key:   "info",
			Label: "Informacoes do Personagem",
			Children: []Subsection{
				{Key: "info_details", Label: "Detalhes"},
				{Key: "info_physical", Label: "Informacoes Fisicas"},
				{Key: "info_origin", Label: "Origem"},
				{Key: "info_data", Label: "Dados do Personagem"},
				{Key: "info_resist", Label: "Resistencias e Imunidades"},
				{Key: "info_actions", Label: "Acoes e Atividades"},
			},
		},
		{
			Key:   "spells",
			Label: "Magias",
			Children: []Subsection{
				{Key: "spells_list", Label: "Lista de Magias"},
				{Key: "spells_resources", Label: "Foco e Recursos"},
				{Key: "spells_notes", Label: "Anotacoes de Magias"},
			},
		},
	})
}
