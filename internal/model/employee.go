package model

import "gorm.io/gorm/schema"

// Employee is owned by the back-office application; this service only reads it for display data.
type Employee struct {
	ID         string `json:"id" gorm:"column:id;primaryKey"`
	Name       string `json:"name" gorm:"column:name"`
	Email      string `json:"email,omitempty" gorm:"column:email"`
	Department string `json:"department,omitempty" gorm:"column:department"`
}

// TableName specifies the table name for GORM, respecting the Namer.
func (Employee) TableName(namer schema.Namer) string {
	return namer.TableName("employees")
}
