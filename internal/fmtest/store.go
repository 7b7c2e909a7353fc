package fmtest

import (
	"encoding/json"
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// row stores one record as a JSON document keyed by logical field names.
type row struct {
	ID     uint   `gorm:"primaryKey"`
	Entity string `gorm:"index;not null"`
	Data   string `gorm:"not null"`
}

func (row) TableName() string { return "fmtest_records" }

func (r row) record() (map[string]any, error) {
	var rec map[string]any
	if err := json.Unmarshal([]byte(r.Data), &rec); err != nil {
		return nil, fmt.Errorf("fmtest: corrupt row %d: %w", r.ID, err)
	}
	return rec, nil
}

func openStore() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("fmtest: open store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is a separate database.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&row{}); err != nil {
		return nil, fmt.Errorf("fmtest: migrate: %w", err)
	}
	return db, nil
}

// jsonPath returns the json_extract path for a field name. Field names are
// validated by the filter lexer, so quoting with double quotes is safe.
func jsonPath(field string) string {
	return `$."` + strings.ReplaceAll(field, `"`, ``) + `"`
}

func fieldExpr(field string) string {
	return "json_extract(data, '" + jsonPath(field) + "')"
}

// listQuery describes a read against one table.
type listQuery struct {
	where   *sqlClause
	orderBy []orderItem
	top     int
	skip    int
}

type orderItem struct {
	field string
	desc  bool
}

func scoped(tx *gorm.DB, table string, where *sqlClause) *gorm.DB {
	q := tx.Model(&row{}).Where("entity = ?", table)
	if where != nil {
		q = q.Where(where.sql, where.args...)
	}
	return q
}

func list(tx *gorm.DB, table string, lq listQuery) ([]row, error) {
	q := scoped(tx, table, lq.where)
	for _, o := range lq.orderBy {
		dir := "ASC"
		if o.desc {
			dir = "DESC"
		}
		q = q.Order(fieldExpr(o.field) + " " + dir)
	}
	q = q.Order("id")
	if lq.top > 0 {
		q = q.Limit(lq.top)
	}
	if lq.skip > 0 {
		q = q.Offset(lq.skip)
	}
	var rows []row
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func count(tx *gorm.DB, table string, where *sqlClause) (int64, error) {
	var n int64
	err := scoped(tx, table, where).Count(&n).Error
	return n, err
}

func findByKey(tx *gorm.DB, table, keyField string, key any) (*row, error) {
	var rows []row
	err := scoped(tx, table, &sqlClause{sql: fieldExpr(keyField) + " = ?", args: []any{key}}).
		Limit(1).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func insert(tx *gorm.DB, table string, rec map[string]any) (*row, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	r := &row{Entity: table, Data: string(data)}
	if err := tx.Create(r).Error; err != nil {
		return nil, err
	}
	return r, nil
}

func save(tx *gorm.DB, r *row, rec map[string]any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	r.Data = string(data)
	return tx.Model(r).Update("data", r.Data).Error
}

func remove(tx *gorm.DB, table string, where *sqlClause) (int64, error) {
	res := scoped(tx, table, where).Delete(&row{})
	return res.RowsAffected, res.Error
}
