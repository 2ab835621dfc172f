package text2sql

import (
	"encoding/json"
	"fmt"
	"os"
)

// ColumnDoc describes one column worth calling out to the model.
type ColumnDoc struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// TableDoc is the curated description of one table.
type TableDoc struct {
	Name             string      `json:"name"`
	Description      string      `json:"description"`
	ImportantColumns []ColumnDoc `json:"important_columns"`
	DataQualityNotes []string    `json:"data_quality_notes"`
}

// SchemaDoc is the static schema context: table docs plus business rules.
type SchemaDoc struct {
	Tables        []TableDoc `json:"tables"`
	BusinessRules []string   `json:"business_rules"`
}

// LoadSchemaDoc reads a schema doc JSON file.
func LoadSchemaDoc(path string) (*SchemaDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema doc: %w", err)
	}
	var doc SchemaDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schema doc %s: %w", path, err)
	}
	return &doc, nil
}

// DefaultSchemaDoc describes the built-in troubleshooting tables.
func DefaultSchemaDoc() *SchemaDoc {
	return &SchemaDoc{
		Tables: []TableDoc{
			{
				Name:        "troubleshooting_cases",
				Description: "试作问题报告,每行一个 Excel 报告文件 (一个零件的一轮试作)",
				ImportantColumns: []ColumnDoc{
					{Name: "case_id", Description: "案例主键"},
					{Name: "part_number", Description: "零件号,如 A123-B45"},
					{Name: "part_name", Description: "零件名称"},
					{Name: "material", Description: "材料,如 ADC12 / SUS304"},
					{Name: "trial_version", Description: "试作版本 T1 或 T2"},
					{Name: "result_t1", Description: "T1 结果 OK / NG / 空"},
					{Name: "result_t2", Description: "T2 结果 OK / NG / 空"},
					{Name: "total_issues", Description: "问题条数"},
				},
				DataQualityNotes: []string{
					"result_t1/result_t2 可能为空串,表示该轮未做",
					"defect_types 为 JSON 数组文本,匹配用 LIKE",
				},
			},
			{
				Name:        "troubleshooting_issues",
				Description: "单个问题行,属于某个案例",
				ImportantColumns: []ColumnDoc{
					{Name: "issue_id", Description: "问题主键,形如 <case_id>-issue-<row>"},
					{Name: "case_id", Description: "所属案例外键"},
					{Name: "problem", Description: "问题描述"},
					{Name: "root_cause", Description: "原因分析"},
					{Name: "solution", Description: "对策"},
					{Name: "defect_types", Description: "缺陷类型 JSON 数组文本"},
					{Name: "severity", Description: "严重度 high / medium / low"},
				},
				DataQualityNotes: []string{
					"problem/root_cause/solution 为中日混合文本",
				},
			},
		},
		BusinessRules: []string{
			"统计缺陷类型时用 troubleshooting_issues.defect_types LIKE '%缺陷%'",
			"T1/T2 合格率以 result_t1/result_t2 = 'OK' 计算,空串不计入分母",
			"零件号过滤用 part_number 精确匹配或前缀 LIKE",
		},
	}
}
